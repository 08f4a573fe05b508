// Package session implements the per-connection SMTP state machine:
// Connected -> Hello -> Mail -> Recipient -> Data, with orthogonal TLS and
// Auth sub-states, driving the protocol package's framing and the
// filter/spam/auth/store pipeline at the protocol points spec'd in §4.1.
//
// Grounded on the teacher's daemon/smtpd/smtp.Connection stage machine
// (commandStage/verbExpectation), generalized from the teacher's
// stripped-down two-recipient flow to the full verb set (BDAT, AUTH,
// STARTTLS, VRFY, EXPN) the distilled spec restores.
package session

import (
	"crypto/tls"
	"time"

	"github.com/relayforge/postguard/internal/auth"
	"github.com/relayforge/postguard/internal/filter"
	"github.com/relayforge/postguard/internal/lalog"
	"github.com/relayforge/postguard/internal/spam"
	"github.com/relayforge/postguard/internal/store"
)

// Config is the immutable configuration snapshot every session shares.
// Grounded on spec.md §3 ServerConfiguration; concrete config-file loading
// lives in cmd/postguard, never here.
type Config struct {
	ServerName string

	MaxMessageSize    int64
	MaxRecipients     int
	ConnIdleTimeout   time.Duration
	CommandTimeout    time.Duration
	DataTimeout       time.Duration
	ErrorRetryBudget  int

	RequireAuth       bool
	RequireSecure     bool
	AllowPlaintextAuth bool

	TLSConfig *tls.Config

	EnablePipelining  bool
	Enable8BitMIME    bool
	EnableBinaryMIME  bool
	EnableSMTPUTF8    bool
	EnableChunking    bool
	EnableVRFYEXPN    bool

	MaxLineLength int64

	Logger lalog.Logger

	Filters      filter.Pipeline
	SpamOrch     *spam.Orchestrator
	AuthHandler  auth.Handler
	Store        store.MessageStore

	Observer Observer
}

// Observer receives session lifecycle events; an Observer implementation
// (e.g. internal/metrics.PrometheusObserver) is the only extension point
// for telemetry, replacing any process-wide event multicast.
type Observer interface {
	SessionOpened(remoteIP string)
	SessionClosed(remoteIP string, duration time.Duration)
	MessageAccepted(size int64)
	MessageRejected(code int)
	SpamScored(score float64)
}

// NullObserver discards all events.
type NullObserver struct{}

func (NullObserver) SessionOpened(string)              {}
func (NullObserver) SessionClosed(string, time.Duration) {}
func (NullObserver) MessageAccepted(int64)             {}
func (NullObserver) MessageRejected(int)               {}
func (NullObserver) SpamScored(float64)                {}
