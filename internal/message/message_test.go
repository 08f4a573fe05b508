package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	require.Equal(t, "alice@example.com", e.ReversePath)
	require.NotEmpty(t, e.ID)
}

func TestAddForwardPath_Dedup(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	require.True(t, e.AddForwardPath("Bob@Example.com"))
	require.False(t, e.AddForwardPath("bob@example.com"))
	require.Len(t, e.ForwardPaths, 1)
	require.True(t, e.AddForwardPath("carol@example.com"))
	require.Len(t, e.ForwardPaths, 2)
}

func TestAddressComponents(t *testing.T) {
	name, domain := AddressComponents("bob@example.com")
	require.Equal(t, "bob", name)
	require.Equal(t, "example.com", domain)

	name, domain = AddressComponents("postmaster")
	require.Equal(t, "postmaster", name)
	require.Empty(t, domain)
}

func TestSetRaw_HeaderParsing(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	raw := "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello\r\n there\r\n\r\nbody text\r\n"
	e.SetRaw([]byte(raw))

	require.Equal(t, "alice@example.com", e.HeaderGet("From"))
	require.Equal(t, "hello there", e.HeaderGet("subject"))
	require.Equal(t, int64(len(raw)), e.Size())
	require.False(t, e.ReceivedAt.IsZero())
}

func TestSetRaw_RepeatedHeaders(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	raw := "Received: from a\r\nReceived: from b\r\n\r\nbody\r\n"
	e.SetRaw([]byte(raw))
	require.Equal(t, []string{"from a", "from b"}, e.HeaderValues("Received"))
}

func TestHeaderSet_ReplacesExisting(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	e.SetRaw([]byte("Subject: old\nX-Spam-Score: 0\n\nbody\n"))
	e.HeaderSet("Subject", "new")
	require.Equal(t, "new", e.HeaderGet("Subject"))
}

func TestHeaderSet_AppendsWhenAbsent(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	e.SetRaw([]byte("Subject: hello\n\nbody\n"))
	e.HeaderSet("X-Spam-Score", "75.0")
	require.Equal(t, "75.0", e.HeaderGet("X-Spam-Score"))
	require.Equal(t, "hello", e.HeaderGet("Subject"))
}

func TestHasAttachment(t *testing.T) {
	e := NewEnvelope("alice@example.com")
	e.SetRaw([]byte("Content-Type: multipart/mixed; boundary=x\r\n\r\nbody\r\n"))
	require.True(t, e.HasAttachment())

	e2 := NewEnvelope("alice@example.com")
	e2.SetRaw([]byte("Content-Type: text/plain\r\n\r\nbody\r\n"))
	require.False(t, e2.HasAttachment())

	e3 := NewEnvelope("alice@example.com")
	e3.SetRaw([]byte("Content-Disposition: attachment; filename=a.txt\r\n\r\nbody\r\n"))
	require.True(t, e3.HasAttachment())
}
