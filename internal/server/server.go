// Package server implements the accept loop and session registry around
// package session, shaped after the teacher's daemon/smtpd.Daemon: a struct
// with Initialise/StartAndBlock/Stop, owning its net.Listener and RateLimit,
// generalized to own a session registry and admission gate instead of
// forwarding every mail unconditionally.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/postguard/internal/admission"
	"github.com/relayforge/postguard/internal/lalog"
	"github.com/relayforge/postguard/internal/session"
)

// Config is the full, immutable configuration snapshot the server consumes
// at start, per spec §3 ServerConfiguration.
type Config struct {
	ListenAddress string
	ListenPort    int

	// ImplicitTLS wraps every accepted connection in TLS immediately
	// (e.g. port 465), instead of waiting for STARTTLS.
	ImplicitTLS bool

	MaxConnectionsGlobal int
	MaxConnectionsPerIP  int

	// ConnRatePerMinute additionally caps how many new connections a single
	// source IP may open per minute, independent of MaxConnectionsPerIP's
	// concurrent-connection ceiling. 0 disables the check.
	ConnRatePerMinute int

	ConnIdleTimeout time.Duration

	Session session.Config

	Logger lalog.Logger

	// ShutdownGrace bounds how long Stop waits for in-flight sessions
	// (default 30s per spec §5). Sessions still running when it elapses
	// are not closed by Stop: it logs a warning and returns.
	ShutdownGrace time.Duration
}

// Server owns the listener, the admission gate, and the live session
// registry. Sessions are identified by ID in the registry; the accept loop
// is the sole inserter, each session goroutine the sole remover.
type Server struct {
	cfg      Config
	listener net.Listener
	admitter *admission.Admitter

	mu       sync.Mutex
	sessions map[string]*session.Session
	closing  bool
	wg       sync.WaitGroup
}

// New validates cfg and returns a Server ready to ListenAndServe.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, errors.New("server: listen address must not be empty")
	}
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return nil, errors.New("server: listen port must be in 1..65535")
	}
	if cfg.Session.RequireSecure && cfg.Session.TLSConfig == nil {
		return nil, errors.New("server: requireSecureConnection needs TLS material")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		admitter: admission.NewAdmitter(cfg.MaxConnectionsGlobal, cfg.MaxConnectionsPerIP, cfg.ConnRatePerMinute),
		sessions: make(map[string]*session.Session),
	}, nil
}

// ListenAndServe binds the listener and accepts connections until Stop is
// called or the listener fails. It blocks; call it from its own goroutine
// for non-blocking start-up.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	var listener net.Listener
	var err error
	if s.cfg.ImplicitTLS {
		if s.cfg.Session.TLSConfig == nil {
			return errors.New("server: implicit TLS requested without TLS material")
		}
		listener, err = tls.Listen("tcp", addr, s.cfg.Session.TLSConfig)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s - %w", addr, err)
	}
	s.listener = listener
	s.cfg.Logger.Info("ListenAndServe", addr, nil, "accepting connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			s.cfg.Logger.Warning("ListenAndServe", addr, err, "accept failed")
			continue
		}
		s.handleConnection(conn)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) remoteIP(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return conn.RemoteAddr().String()
}

func (s *Server) handleConnection(conn net.Conn) {
	ip := s.remoteIP(conn)
	handle, ok := s.admitter.TryAdmit(ip)
	if !ok {
		// Global, per-IP or connection-rate admission exhausted: reply 421
		// and close without a greeting (spec §4.3).
		_, _ = conn.Write([]byte("421 4.7.0 Too many connections from your address\r\n"))
		_ = conn.Close()
		return
	}

	sess := session.New(conn, s.cfg.Session)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer handle.Release()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID)
			s.mu.Unlock()
		}()
		ctx := context.Background()
		if s.cfg.ConnIdleTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnIdleTimeout)
			defer cancel()
		}
		sess.Run(ctx)
	}()
}

// Stop closes the listener (refusing new connections) and waits up to
// ShutdownGrace for in-flight sessions to finish before returning.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.cfg.Logger.Warning("Stop", "", nil, "shutdown grace period elapsed with sessions still active")
	}
}

// ActiveSessionCount returns the number of sessions currently tracked in the
// registry, for health/metrics reporting.
func (s *Server) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
