// Package admission implements connection-level gatekeeping: a bounded
// global concurrency semaphore and a per-source-IP concurrency map, both
// exposed as paired handle objects released on scope exit rather than
// through a global mutable registry, per the design note on owning
// per-IP counters behind well-defined handles.
package admission

import (
	"sync"

	"github.com/relayforge/postguard/internal/lalog"
)

// Handle represents one admitted connection slot. Release must be called
// exactly once, typically via defer, to return the slot.
type Handle struct {
	release func()
	once    sync.Once
}

// Release returns the slot this handle holds. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Admitter tracks global and per-IP connection counts, plus an optional
// per-IP new-connection rate ceiling.
type Admitter struct {
	GlobalLimit int
	PerIPLimit  int

	mu       sync.Mutex
	global   int
	perIP    map[string]int
	connRate *lalog.RateLimit
}

// NewAdmitter returns an Admitter enforcing the given global and per-IP
// concurrent-connection ceilings (0 means unbounded). connRatePerMinute, if
// greater than 0, additionally caps how many new connections a single
// source IP may open per 60-second window (spec §4.3), reusing the
// logger's fixed-window lalog.RateLimit unmodified.
func NewAdmitter(globalLimit, perIPLimit, connRatePerMinute int) *Admitter {
	a := &Admitter{GlobalLimit: globalLimit, PerIPLimit: perIPLimit, perIP: make(map[string]int)}
	if connRatePerMinute > 0 {
		a.connRate = lalog.NewRateLimit(60, connRatePerMinute)
	}
	return a
}

// TryAdmit attempts to acquire one global slot and one per-IP slot for ip,
// non-blocking. ok is false if either ceiling is already at capacity or ip
// has exceeded its new-connection rate, in which case no slot was taken and
// the returned handle is nil.
func (a *Admitter) TryAdmit(ip string) (handle *Handle, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connRate != nil && !a.connRate.Add(ip) {
		return nil, false
	}
	if a.GlobalLimit > 0 && a.global >= a.GlobalLimit {
		return nil, false
	}
	if a.PerIPLimit > 0 && a.perIP[ip] >= a.PerIPLimit {
		return nil, false
	}
	a.global++
	a.perIP[ip]++

	h := &Handle{}
	h.release = func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.global--
		a.perIP[ip]--
		if a.perIP[ip] <= 0 {
			delete(a.perIP, ip)
		}
	}
	return h, true
}

// GlobalCount returns the current number of globally admitted connections.
func (a *Admitter) GlobalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global
}

// PerIPCount returns the current number of admitted connections from ip.
func (a *Admitter) PerIPCount(ip string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perIP[ip]
}

// ErrorBudget tracks the per-session command-error retry budget (spec
// §4.1): every reply ≥ 400 increments it, any 2xx/3xx reply resets it.
type ErrorBudget struct {
	Max     int
	current int
}

// NewErrorBudget returns a budget allowing up to max consecutive errors.
func NewErrorBudget(max int) *ErrorBudget { return &ErrorBudget{Max: max} }

// RecordReply updates the budget for a reply code and reports whether the
// session has now exceeded it (caller should send 421 and close).
func (b *ErrorBudget) RecordReply(code int) (exceeded bool) {
	if code >= 200 && code < 400 {
		b.current = 0
		return false
	}
	if code >= 400 {
		b.current++
	}
	return b.current > b.Max
}

// Count returns the current consecutive-error count.
func (b *ErrorBudget) Count() int { return b.current }
