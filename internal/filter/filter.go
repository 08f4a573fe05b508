// Package filter implements the composable sender/recipient/message filter
// pipeline. Filters never raise exceptions for policy decisions — they
// return an explicit three-state Result. A filter that panics is recovered
// by the pipeline and treated as a temp-fail.
package filter

import (
	"context"
	"strings"
)

// Verdict is the three-state outcome a filter (or the pipeline as a whole)
// can reach for one protocol point.
type Verdict int

const (
	Accept Verdict = iota
	Reject
	TempFail
)

// Result carries a Verdict plus the SMTP reply to use when it is not Accept.
type Result struct {
	Verdict Verdict
	Code    int
	Text    string
}

// Accepted is the canonical accept result, reusable by every filter.
var Accepted = Result{Verdict: Accept}

// RejectResult builds a Reject result with the given SMTP reply.
func RejectResult(code int, text string) Result { return Result{Verdict: Reject, Code: code, Text: text} }

// TempFailResult builds a TempFail result with the given SMTP reply.
func TempFailResult(code int, text string) Result {
	return Result{Verdict: TempFail, Code: code, Text: text}
}

// SenderContext carries what a sender-accept filter may consult.
type SenderContext struct {
	RemoteIP    string
	ClientName  string
	ReversePath string
	SizeHint    int64
}

// RecipientContext carries what a recipient-accept filter may consult.
type RecipientContext struct {
	RemoteIP     string
	ReversePath  string
	ForwardPath  string
}

// MessageContext carries what a post-DATA filter may consult.
type MessageContext struct {
	RemoteIP    string
	ReversePath string
	Recipients  []string
	Size        int64
	Raw         []byte
}

// Filter is implemented by anything pluggable into the pipeline at one or
// more of the three protocol points. A filter that does not participate in
// a given point simply returns Accepted for it — AcceptAllFilter embeds this
// behavior for all three.
type Filter interface {
	CanAcceptFrom(ctx context.Context, s SenderContext) Result
	CanAcceptRecipient(ctx context.Context, s RecipientContext) Result
	CanAcceptMessage(ctx context.Context, s MessageContext) Result
}

// Mode selects how a Pipeline combines multiple filters' verdicts.
type Mode int

const (
	// All rejects if any filter rejects (logical AND of acceptance).
	All Mode = iota
	// Any rejects only if every filter rejects (logical OR of acceptance).
	Any
)

// Pipeline runs an ordered list of filters under a composition Mode. A
// filter panic is recovered and converted to a TempFail 451, matching the
// "filter exception" policy-rejection-as-temp-fail design note.
type Pipeline struct {
	Filters []Filter
	Mode    Mode
}

func (p Pipeline) run(invoke func(Filter) Result) Result {
	if len(p.Filters) == 0 {
		return Accepted
	}
	var lastReject Result
	anyAccept := false
	for _, f := range p.Filters {
		r := safeInvoke(invoke, f)
		switch r.Verdict {
		case TempFail:
			return r
		case Reject:
			lastReject = r
			if p.Mode == All {
				return r
			}
		case Accept:
			anyAccept = true
			if p.Mode == Any {
				return Accepted
			}
		}
	}
	if p.Mode == Any && !anyAccept {
		return lastReject
	}
	return Accepted
}

func safeInvoke(invoke func(Filter) Result, f Filter) (r Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r = TempFailResult(451, "Requested action aborted: local error in processing")
		}
	}()
	return invoke(f)
}

// CanAcceptFrom evaluates every filter's sender-accept verdict.
func (p Pipeline) CanAcceptFrom(ctx context.Context, s SenderContext) Result {
	return p.run(func(f Filter) Result { return f.CanAcceptFrom(ctx, s) })
}

// CanAcceptRecipient evaluates every filter's recipient-accept verdict.
func (p Pipeline) CanAcceptRecipient(ctx context.Context, s RecipientContext) Result {
	return p.run(func(f Filter) Result { return f.CanAcceptRecipient(ctx, s) })
}

// CanAcceptMessage evaluates every filter's post-DATA verdict.
func (p Pipeline) CanAcceptMessage(ctx context.Context, s MessageContext) Result {
	return p.run(func(f Filter) Result { return f.CanAcceptMessage(ctx, s) })
}

// AcceptAllFilter always accepts; used as a pipeline placeholder or default.
type AcceptAllFilter struct{}

func (AcceptAllFilter) CanAcceptFrom(context.Context, SenderContext) Result           { return Accepted }
func (AcceptAllFilter) CanAcceptRecipient(context.Context, RecipientContext) Result   { return Accepted }
func (AcceptAllFilter) CanAcceptMessage(context.Context, MessageContext) Result       { return Accepted }

// SizeFilter rejects messages whose declared or actual size exceeds MaxBytes.
type SizeFilter struct {
	MaxBytes int64
}

func (f SizeFilter) CanAcceptFrom(_ context.Context, s SenderContext) Result {
	if s.SizeHint > 0 && s.SizeHint > f.MaxBytes {
		return RejectResult(552, "Message size exceeds fixed maximum message size")
	}
	return Accepted
}

func (f SizeFilter) CanAcceptRecipient(context.Context, RecipientContext) Result { return Accepted }

func (f SizeFilter) CanAcceptMessage(_ context.Context, s MessageContext) Result {
	if s.Size > f.MaxBytes {
		return RejectResult(552, "Message size exceeds fixed maximum message size")
	}
	return Accepted
}

// DomainMailboxFilter applies case-insensitive allow/block lists to sender
// and recipient addresses and domains.
type DomainMailboxFilter struct {
	SenderAllow    []string
	SenderBlock    []string
	RecipientAllow []string
	RecipientBlock []string
}

func matchAny(addr string, list []string) bool {
	lower := strings.ToLower(addr)
	at := strings.IndexByte(lower, '@')
	domain := ""
	if at != -1 {
		domain = lower[at+1:]
	}
	for _, entry := range list {
		entry = strings.ToLower(entry)
		if entry == lower || (domain != "" && entry == domain) {
			return true
		}
	}
	return false
}

func (f DomainMailboxFilter) CanAcceptFrom(_ context.Context, s SenderContext) Result {
	if len(f.SenderBlock) > 0 && matchAny(s.ReversePath, f.SenderBlock) {
		return RejectResult(550, "Sender address rejected by policy")
	}
	if len(f.SenderAllow) > 0 && !matchAny(s.ReversePath, f.SenderAllow) {
		return RejectResult(550, "Sender address not in allow list")
	}
	return Accepted
}

func (f DomainMailboxFilter) CanAcceptRecipient(_ context.Context, s RecipientContext) Result {
	if len(f.RecipientBlock) > 0 && matchAny(s.ForwardPath, f.RecipientBlock) {
		return RejectResult(550, "Recipient address rejected by policy")
	}
	if len(f.RecipientAllow) > 0 && !matchAny(s.ForwardPath, f.RecipientAllow) {
		return RejectResult(550, "Recipient address not in allow list")
	}
	return Accepted
}

func (f DomainMailboxFilter) CanAcceptMessage(context.Context, MessageContext) Result { return Accepted }
