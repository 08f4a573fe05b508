package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/postguard/internal/cluster"
)

type echoDispatcher struct{}

func (echoDispatcher) Exchange(_ context.Context, req *cluster.Envelope) (*cluster.Envelope, error) {
	return &cluster.Envelope{Type: cluster.MsgAck, SenderID: "echo", OK: true, Key: req.Key, Value: req.Value}, nil
}

func freeTestPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestDaemonClient_ExchangeRoundTrip(t *testing.T) {
	port := freeTestPort(t)
	d := &Daemon{Address: "127.0.0.1", Port: port, Dispatcher: echoDispatcher{}}
	require.NoError(t, d.Initialise())

	go func() { _ = d.StartAndBlock() }()
	t.Cleanup(d.Stop)

	client := NewClient()
	client.DialTimeout = 2 * time.Second
	t.Cleanup(client.Close)

	endpoint := "127.0.0.1:" + strconv.Itoa(port)
	var resp cluster.Envelope
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = client.Send(endpoint, cluster.Envelope{Key: "k1", Value: []byte("v1")})
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "k1", resp.Key)
	require.Equal(t, []byte("v1"), resp.Value)
}

func TestDaemon_InitialiseRequiresDispatcher(t *testing.T) {
	d := &Daemon{}
	require.Error(t, d.Initialise())
}

func TestDaemon_InitialiseFillsDefaults(t *testing.T) {
	d := &Daemon{Dispatcher: echoDispatcher{}}
	require.NoError(t, d.Initialise())
	require.Equal(t, "0.0.0.0", d.Address)
	require.Equal(t, DefaultPort, d.Port)
}

