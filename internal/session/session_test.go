package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/postguard/internal/auth"
	"github.com/relayforge/postguard/internal/filter"
	"github.com/relayforge/postguard/internal/store"
)

func newTestSession(t *testing.T, cfg Config) (*Session, *bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = time.Second
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = time.Second
	}
	if cfg.ConnIdleTimeout == 0 {
		cfg.ConnIdleTimeout = time.Second
	}
	if cfg.MaxLineLength == 0 {
		cfg.MaxLineLength = 2048
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "postguard.test"
	}
	sess := New(server, cfg)
	go sess.Run(context.Background())
	return sess, bufio.NewReader(client), client
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestSession_FullTransaction(t *testing.T) {
	msgStore := store.NewMemoryStore()
	_, r, client := newTestSession(t, Config{
		Filters: filter.Pipeline{},
		Store:   msgStore,
	})

	require.Contains(t, readLine(t, r), "220")

	sendLine(t, client, "EHLO client.example.com")
	require.Contains(t, readLine(t, r), "250-")
	for {
		line := readLine(t, r)
		if line[3] == ' ' {
			break
		}
	}

	sendLine(t, client, "MAIL FROM:<alice@example.com>")
	require.Contains(t, readLine(t, r), "250")

	sendLine(t, client, "RCPT TO:<bob@example.com>")
	require.Contains(t, readLine(t, r), "250")

	sendLine(t, client, "DATA")
	require.Contains(t, readLine(t, r), "354")

	sendLine(t, client, "Subject: hi")
	sendLine(t, client, "")
	sendLine(t, client, "body text")
	sendLine(t, client, ".")
	require.Contains(t, readLine(t, r), "250")
	require.Equal(t, 1, msgStore.Count())

	sendLine(t, client, "QUIT")
	require.Contains(t, readLine(t, r), "221")
}

func TestSession_RcptBeforeMailRejected(t *testing.T) {
	_, r, client := newTestSession(t, Config{Filters: filter.Pipeline{}})
	readLine(t, r) // greeting

	sendLine(t, client, "HELO client.example.com")
	readLine(t, r)

	sendLine(t, client, "RCPT TO:<bob@example.com>")
	require.Contains(t, readLine(t, r), "503")
}

func TestSession_SizeFilterRejectsSender(t *testing.T) {
	_, r, client := newTestSession(t, Config{
		Filters: filter.Pipeline{Filters: []filter.Filter{filter.SizeFilter{MaxBytes: 10}}, Mode: filter.All},
	})
	readLine(t, r)
	sendLine(t, client, "HELO client.example.com")
	readLine(t, r)

	sendLine(t, client, "MAIL FROM:<alice@example.com> SIZE=1000")
	require.Contains(t, readLine(t, r), "552")
}

func TestSession_RequireAuthRejectsMailFromUnauthenticated(t *testing.T) {
	credStore := auth.NewBcryptStore()
	require.NoError(t, credStore.SetPassword("alice", "secret"))

	_, r, client := newTestSession(t, Config{
		Filters:     filter.Pipeline{},
		AuthHandler: credStore,
		RequireAuth: true,
	})
	readLine(t, r)
	sendLine(t, client, "HELO client.example.com")
	readLine(t, r)

	sendLine(t, client, "MAIL FROM:<alice@example.com>")
	require.Contains(t, readLine(t, r), "530")
}

func TestSession_RequireAuthAllowsMailFromAfterAuth(t *testing.T) {
	credStore := auth.NewBcryptStore()
	require.NoError(t, credStore.SetPassword("alice", "secret"))

	_, r, client := newTestSession(t, Config{
		Filters:     filter.Pipeline{},
		AuthHandler: credStore,
		RequireAuth: true,
	})
	readLine(t, r)
	sendLine(t, client, "EHLO client.example.com")
	for {
		line := readLine(t, r)
		if line[3] == ' ' {
			break
		}
	}

	sendLine(t, client, "AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	require.Contains(t, readLine(t, r), "235")

	sendLine(t, client, "MAIL FROM:<alice@example.com>")
	require.Contains(t, readLine(t, r), "250")
}

func TestSession_AuthPlainSuccess(t *testing.T) {
	credStore := auth.NewBcryptStore()
	require.NoError(t, credStore.SetPassword("alice", "secret"))

	_, r, client := newTestSession(t, Config{
		Filters:     filter.Pipeline{},
		AuthHandler: credStore,
	})
	readLine(t, r)
	sendLine(t, client, "EHLO client.example.com")
	for {
		line := readLine(t, r)
		if line[3] == ' ' {
			break
		}
	}

	sendLine(t, client, "AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	require.Contains(t, readLine(t, r), "235")
}

func TestSession_BadCommandSequenceBudget(t *testing.T) {
	_, r, client := newTestSession(t, Config{Filters: filter.Pipeline{}, ErrorRetryBudget: 1})
	readLine(t, r)

	sendLine(t, client, "RCPT TO:<bob@example.com>")
	require.Contains(t, readLine(t, r), "503")

	sendLine(t, client, "RCPT TO:<bob@example.com>")
	require.Contains(t, readLine(t, r), "503")
	require.Contains(t, readLine(t, r), "421")
}
