package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relayforge/postguard/internal/cluster"
	"github.com/relayforge/postguard/internal/lalog"
)

// DefaultPort is the cluster port used when none is configured (spec §6).
const DefaultPort = 7946

// Daemon offers a gRPC listener carrying cluster.Envelope RPCs between
// nodes, shaped after the teacher's daemon/passwdrpc.Daemon: a struct with
// Initialise/StartAndBlock/Stop around an embedded *grpc.Server, optional
// TLS credentials, generalized from the teacher's single-purpose password
// lookup service to the cluster's generic tagged-envelope Exchange call.
type Daemon struct {
	Address     string
	Port        int
	TLSCert     *tls.Certificate

	// Dispatcher answers every inbound envelope; normally a small router
	// that sends Join/Heartbeat to Membership, RequestVote/AppendEntries to
	// Election, and Get/Set/CAS/Lock/Unlock to StateStore.
	Dispatcher ExchangeServer

	Logger lalog.Logger

	rpcServer *grpc.Server
	mu        sync.Mutex
}

// Initialise validates configuration and fills in defaults.
func (d *Daemon) Initialise() error {
	if d.Address == "" {
		d.Address = "0.0.0.0"
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Dispatcher == nil {
		return errors.New("transport: Dispatcher must be set")
	}
	return nil
}

// StartAndBlock starts the gRPC listener and blocks until Stop is called.
func (d *Daemon) StartAndBlock() error {
	opts := []grpc.ServerOption{}
	if d.TLSCert != nil {
		opts = append(opts, grpc.Creds(credentials.NewServerTLSFromCert(d.TLSCert)))
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.Address, d.Port))
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s:%d - %w", d.Address, d.Port, err)
	}
	d.mu.Lock()
	d.rpcServer = grpc.NewServer(opts...)
	RegisterExchangeServer(d.rpcServer, d.Dispatcher)
	server := d.rpcServer
	d.mu.Unlock()

	d.Logger.Info("StartAndBlock", fmt.Sprintf("%s:%d", d.Address, d.Port), nil, "cluster transport listening")
	return server.Serve(listener)
}

// Stop halts the gRPC server.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rpcServer != nil {
		d.rpcServer.Stop()
		d.rpcServer = nil
	}
}

// Client implements cluster.Transport by dialing peers and invoking the
// Exchange RPC with the gob codec negotiated via content-subtype.
type Client struct {
	DialTimeout time.Duration
	TLSConfig   *tls.Config

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient returns a Client with a 5s default dial timeout.
func NewClient() *Client {
	return &Client{DialTimeout: 5 * time.Second, conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) dial(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}
	creds := insecure.NewCredentials()
	if c.TLSConfig != nil {
		creds = credentials.NewTLS(c.TLSConfig)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	c.conns[endpoint] = conn
	return conn, nil
}

// Send implements cluster.Transport.
func (c *Client) Send(peerEndpoint string, req cluster.Envelope) (cluster.Envelope, error) {
	conn, err := c.dial(peerEndpoint)
	if err != nil {
		return cluster.Envelope{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	var resp cluster.Envelope
	err = conn.Invoke(ctx, "/postguard.cluster.Transport/Exchange", &req, &resp, grpc.CallContentSubtype(codecName))
	return resp, err
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
}
