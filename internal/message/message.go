// Package message holds the envelope/message data model assembled from a
// MAIL/RCPT/DATA transaction: reverse path, forward paths, declared SIZE and
// body-type hints, the raw received bytes, and a parsed header view. It is
// grounded on the teacher's quirky.go (header get/set) and
// dmarc_workaround.go (address-component parsing), generalized from
// single-string mutation into a structured, ordered header map.
package message

import (
	"strings"
	"time"

	"github.com/rs/xid"
)

// BodyType is the declared ESMTP body encoding of a message.
type BodyType int

const (
	Body7Bit BodyType = iota
	Body8BitMIME
	BodyBinaryMIME
)

func (b BodyType) String() string {
	switch b {
	case Body8BitMIME:
		return "8BITMIME"
	case BodyBinaryMIME:
		return "BINARYMIME"
	default:
		return "7BIT"
	}
}

// Header is one parsed header field; Values preserves the order and
// multiplicity headers may legitimately repeat in (e.g. "Received").
type Header struct {
	Name   string
	Values []string
}

// Envelope accumulates state across MAIL FROM / RCPT TO / DATA for a single
// transaction. It is owned exclusively by the session that created it.
type Envelope struct {
	ID            string
	ReversePath   string
	ForwardPaths  []string // deduplicated case-insensitively by local-part@host
	SizeHint      int64    // declared by MAIL FROM SIZE=, 0 if absent
	BodyType      BodyType
	SMTPUTF8      bool
	Raw           []byte // dot-unstuffed, CRLF-terminated
	ReceivedAt    time.Time
	headers       []Header
	headerIndex   map[string]int // lower-cased name -> index into headers
	attachmentHdr bool
}

// NewEnvelope opens a fresh envelope for a reverse path, generating a
// collision-free message identifier.
func NewEnvelope(reversePath string) *Envelope {
	return &Envelope{
		ID:          xid.New().String(),
		ReversePath: reversePath,
		headerIndex: make(map[string]int),
	}
}

// AddForwardPath appends fwd unless an equivalent path (case-insensitive
// local-part@host) is already present. Returns false if it was a duplicate.
func (e *Envelope) AddForwardPath(fwd string) bool {
	key := normalizeAddress(fwd)
	for _, existing := range e.ForwardPaths {
		if normalizeAddress(existing) == key {
			return false
		}
	}
	e.ForwardPaths = append(e.ForwardPaths, fwd)
	return true
}

func normalizeAddress(addr string) string {
	name, domain := AddressComponents(addr)
	return strings.ToLower(name) + "@" + strings.ToLower(domain)
}

// AddressComponents splits "name@domain" into its parts. Either component is
// empty if absent from addr. Grounded on the teacher's
// GetMailAddressComponents.
func AddressComponents(addr string) (name, domain string) {
	at := strings.IndexRune(addr, '@')
	if at == -1 {
		return strings.TrimSpace(addr), ""
	}
	name = strings.TrimSpace(addr[:at])
	if at < len(addr)-1 {
		domain = strings.TrimSpace(addr[at+1:])
	}
	return
}

// SetRaw stores the received, dot-unstuffed body and parses its header
// block. Parsing never fails: unparsable input simply yields no headers.
func (e *Envelope) SetRaw(raw []byte) {
	e.Raw = raw
	e.ReceivedAt = receivedAtNow()
	e.parseHeaders()
}

// receivedAtNow exists only so Envelope's own tests can stub the clock by
// shadowing the package-level var further down; production code always
// calls time.Now.
var receivedAtNow = time.Now

// Size returns the computed size of the received body in bytes.
func (e *Envelope) Size() int64 { return int64(len(e.Raw)) }

func (e *Envelope) parseHeaders() {
	e.headers = nil
	e.headerIndex = make(map[string]int)
	body := string(e.Raw)
	// Header block ends at the first blank line (CRLFCRLF, leniently LFLF).
	end := strings.Index(body, "\r\n\r\n")
	unfoldSep := "\r\n"
	if end == -1 {
		end = strings.Index(body, "\n\n")
		unfoldSep = "\n"
		if end == -1 {
			end = len(body)
		}
	}
	block := body[:end]
	lines := strings.Split(block, unfoldSep)
	var current *Header
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && current != nil {
			// folded continuation of the previous header value
			n := len(current.Values)
			current.Values[n-1] = current.Values[n-1] + " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon == -1 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		key := strings.ToLower(name)
		if idx, ok := e.headerIndex[key]; ok {
			e.headers[idx].Values = append(e.headers[idx].Values, value)
			current = &e.headers[idx]
		} else {
			e.headerIndex[key] = len(e.headers)
			e.headers = append(e.headers, Header{Name: name, Values: []string{value}})
			current = &e.headers[len(e.headers)-1]
		}
	}
	e.attachmentHdr = e.detectAttachment()
}

// HeaderGet returns the first value of a header, case-insensitively, or ""
// if absent. Grounded on the teacher's GetHeader, generalized to the
// envelope's parsed multi-valued map instead of a raw string scan.
func (e *Envelope) HeaderGet(name string) string {
	if idx, ok := e.headerIndex[strings.ToLower(name)]; ok && len(e.headers[idx].Values) > 0 {
		return e.headers[idx].Values[0]
	}
	return ""
}

// HeaderValues returns every value recorded for name, case-insensitively.
func (e *Envelope) HeaderValues(name string) []string {
	if idx, ok := e.headerIndex[strings.ToLower(name)]; ok {
		return append([]string(nil), e.headers[idx].Values...)
	}
	return nil
}

// Headers returns the full ordered header list.
func (e *Envelope) Headers() []Header {
	return append([]Header(nil), e.headers...)
}

// HeaderSet replaces a header's sole value in both the parsed view and the
// raw bytes, preserving position when it already exists; if absent, the
// header is inserted as the first line. Grounded on the teacher's SetHeader.
func (e *Envelope) HeaderSet(name, value string) {
	raw := string(e.Raw)
	lines := strings.Split(raw, "\n")
	lowerPrefix := strings.ToLower(name) + ":"
	var found bool
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), lowerPrefix) {
			lines[i] = name + ": " + value
			found = true
			break
		}
	}
	if !found {
		lines = append([]string{name + ": " + value}, lines...)
	}
	e.Raw = []byte(strings.Join(lines, "\n"))
	e.parseHeaders()
}

// HasAttachment reports whether the message's headers indicate a
// multipart/mixed, multipart/related or Content-Disposition: attachment
// structure.
func (e *Envelope) HasAttachment() bool { return e.attachmentHdr }

func (e *Envelope) detectAttachment() bool {
	ct := strings.ToLower(e.HeaderGet("Content-Type"))
	if strings.Contains(ct, "multipart/mixed") || strings.Contains(ct, "multipart/related") {
		return true
	}
	for _, cd := range e.HeaderValues("Content-Disposition") {
		if strings.Contains(strings.ToLower(cd), "attachment") {
			return true
		}
	}
	return false
}
