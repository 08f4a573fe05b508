package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/idna"

	"github.com/relayforge/postguard/internal/admission"
	"github.com/relayforge/postguard/internal/auth"
	"github.com/relayforge/postguard/internal/filter"
	"github.com/relayforge/postguard/internal/message"
	"github.com/relayforge/postguard/internal/protocol"
	"github.com/relayforge/postguard/internal/spam"
	"github.com/relayforge/postguard/internal/store"
)

// State is a session's position in the Connected->Hello->Mail->Recipient->Data
// machine described in spec §4.1.
type State int

const (
	StateConnected State = iota
	StateHello
	StateMail
	StateRecipient
	StateData
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "Hello"
	case StateMail:
		return "Mail"
	case StateRecipient:
		return "Recipient"
	case StateData:
		return "Data"
	default:
		return "Connected"
	}
}

// AuthState is the orthogonal authentication sub-state.
type AuthState int

const (
	AuthAbsent AuthState = iota
	AuthInProgress
	AuthAuthenticated
)

// Session owns one accepted connection exclusively for its lifetime.
type Session struct {
	ID         string
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	StartedAt  time.Time

	cfg    Config
	framer *protocol.Framer
	writer *protocol.Writer

	state       State
	tlsActive   bool
	tlsState    interface{} // holds tls.ConnectionState once negotiated
	authState   AuthState
	identity    string
	clientName  string
	errBudget   *admission.ErrorBudget
	envelope    *message.Envelope
	properties  map[string]interface{}

	bytesRead    int64
	bytesWritten int64
	lastActivity time.Time
	shouldClose  bool
}

// New creates a Session ready to Run over conn.
func New(conn net.Conn, cfg Config) *Session {
	return &Session{
		ID:           xid.New().String(),
		RemoteAddr:   conn.RemoteAddr(),
		LocalAddr:    conn.LocalAddr(),
		StartedAt:    time.Now(),
		cfg:          cfg,
		framer:       protocol.NewFramer(conn, cfg.MaxLineLength),
		writer:       protocol.NewWriter(conn),
		state:        StateConnected,
		authState:    AuthAbsent,
		errBudget:    admission.NewErrorBudget(cfg.ErrorRetryBudget),
		properties:   make(map[string]interface{}),
		lastActivity: time.Now(),
	}
}

func (s *Session) remoteIP() string {
	if tcp, ok := s.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return s.RemoteAddr.String()
}

func (s *Session) reply(code int, text string) {
	_ = s.writer.Reply(s.cfg.CommandTimeout, code, text)
	if s.errBudget.RecordReply(code) {
		_ = s.writer.Reply(s.cfg.CommandTimeout, 421, "4.7.0 Too many errors")
		s.abortConn()
	}
}

func (s *Session) replyMulti(code int, lines []string) {
	_ = s.writer.ReplyMulti(s.cfg.CommandTimeout, code, lines)
	if s.errBudget.RecordReply(code) {
		_ = s.writer.Reply(s.cfg.CommandTimeout, 421, "4.7.0 Too many errors")
		s.abortConn()
	}
}

// abortConn marks the session for immediate close once the current command
// finishes processing, used for fatal I/O timeouts and failed handshakes.
func (s *Session) abortConn() {
	s.shouldClose = true
}

// Run drives the session until QUIT, a fatal timeout, or the error budget
// is exceeded, then closes the underlying connection.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		_ = s.framer.Conn().Close()
		if s.cfg.Observer != nil {
			s.cfg.Observer.SessionClosed(s.remoteIP(), time.Since(s.StartedAt))
		}
	}()
	if s.cfg.Observer != nil {
		s.cfg.Observer.SessionOpened(s.remoteIP())
	}

	s.reply(220, fmt.Sprintf("%s ESMTP ready %s", s.cfg.ServerName, time.Now().UTC().Format(time.RFC1123Z)))
	s.state = StateConnected

	for {
		line, ok := s.framer.ReadLine(s.idleTimeout())
		if !ok {
			s.reply(421, "4.4.2 Timeout, closing connection")
			return
		}
		parsed := protocol.ParseLine(line)
		if parsed.Err != "" {
			s.reply(500, "5.5.2 "+parsed.Err)
			continue
		}
		if !s.dispatch(ctx, parsed) {
			return
		}
	}
}

func (s *Session) idleTimeout() time.Duration {
	if s.cfg.CommandTimeout > 0 {
		return s.cfg.CommandTimeout
	}
	return 5 * time.Minute
}

// dispatch processes one parsed command line. It returns false when the
// connection should close (QUIT or fatal error).
func (s *Session) dispatch(ctx context.Context, line protocol.Line) bool {
	if !s.verbAllowedInState(line.Verb) {
		s.reply(503, "5.5.1 Bad sequence of commands")
		return true
	}
	switch line.Verb {
	case protocol.VerbHELO:
		s.handleHelo(line, false)
	case protocol.VerbEHLO:
		s.handleHelo(line, true)
	case protocol.VerbMAILFROM:
		s.handleMailFrom(ctx, line)
	case protocol.VerbRCPTTO:
		s.handleRcptTo(ctx, line)
	case protocol.VerbDATA:
		s.handleData(ctx)
	case protocol.VerbBDAT:
		s.handleBdat(ctx, line)
	case protocol.VerbRSET:
		s.resetEnvelope()
		s.reply(250, "2.0.0 OK")
	case protocol.VerbNOOP:
		s.reply(250, "2.0.0 OK")
	case protocol.VerbQUIT:
		s.reply(221, "2.0.0 Bye")
		return false
	case protocol.VerbVRFY, protocol.VerbEXPN:
		if s.cfg.EnableVRFYEXPN {
			s.reply(252, "2.5.0 Cannot VRFY user, but will accept message and attempt delivery")
		} else {
			s.reply(502, "5.5.1 Command not implemented")
		}
	case protocol.VerbHELP:
		s.reply(214, "2.0.0 See RFC 5321")
	case protocol.VerbSTARTTLS:
		s.handleStartTLS()
	case protocol.VerbAUTH:
		s.handleAuth(line)
	default:
		s.reply(500, "5.5.1 Command unrecognized")
	}
	return !s.shouldClose
}

func (s *Session) verbAllowedInState(v protocol.Verb) bool {
	always := map[protocol.Verb]bool{
		protocol.VerbQUIT: true, protocol.VerbNOOP: true, protocol.VerbRSET: true,
		protocol.VerbHELP: true, protocol.VerbHELO: true, protocol.VerbEHLO: true,
	}
	if always[v] {
		return true
	}
	switch s.state {
	case StateConnected:
		return v == protocol.VerbSTARTTLS
	case StateHello:
		return v == protocol.VerbMAILFROM || v == protocol.VerbAUTH ||
			v == protocol.VerbVRFY || v == protocol.VerbEXPN || v == protocol.VerbSTARTTLS
	case StateMail:
		return v == protocol.VerbRCPTTO || v == protocol.VerbVRFY
	case StateRecipient:
		return v == protocol.VerbRCPTTO || v == protocol.VerbDATA ||
			(v == protocol.VerbBDAT && s.cfg.EnableChunking)
	}
	return false
}

func (s *Session) resetEnvelope() {
	s.envelope = nil
	if s.state != StateConnected {
		s.state = StateHello
	}
}

func (s *Session) handleHelo(line protocol.Line, extended bool) {
	s.clientName = line.Arg
	s.resetEnvelope()
	s.state = StateHello
	if !extended {
		s.reply(250, s.cfg.ServerName)
		return
	}
	lines := []string{s.cfg.ServerName + " greets " + line.Arg}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize))
	if s.cfg.EnablePipelining {
		lines = append(lines, "PIPELINING")
	}
	if s.cfg.Enable8BitMIME {
		lines = append(lines, "8BITMIME")
	}
	if s.cfg.EnableBinaryMIME {
		lines = append(lines, "BINARYMIME")
	}
	if s.cfg.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if s.cfg.EnableChunking {
		lines = append(lines, "CHUNKING")
	}
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.AuthHandler != nil {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "HELP")
	s.replyMulti(250, lines)
}

func (s *Session) handleMailFrom(ctx context.Context, line protocol.Line) {
	if s.cfg.RequireAuth && s.authState != AuthAuthenticated {
		s.reply(530, "5.7.0 Authentication required")
		return
	}
	if line.Params != nil {
		if sizeStr, ok := line.Params["SIZE"]; ok {
			if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && size > s.cfg.MaxMessageSize {
				s.reply(552, "5.3.4 Message size exceeds fixed maximum message size")
				return
			}
		}
		if body, ok := line.Params["BODY"]; ok && strings.EqualFold(body, "BINARYMIME") && !s.cfg.EnableChunking {
			s.reply(504, "5.5.4 BINARYMIME requires CHUNKING support")
			return
		}
		if _, ok := line.Params["SMTPUTF8"]; ok && !s.cfg.EnableSMTPUTF8 {
			s.reply(504, "5.5.4 SMTPUTF8 is not supported")
			return
		}
	}
	if !validAddressSyntax(line.Arg, true) {
		s.reply(501, "5.1.7 Bad sender address syntax")
		return
	}

	sizeHint := int64(0)
	if line.Params != nil {
		if v, err := strconv.ParseInt(line.Params["SIZE"], 10, 64); err == nil {
			sizeHint = v
		}
	}
	result := s.cfg.Filters.CanAcceptFrom(ctx, filter.SenderContext{
		RemoteIP: s.remoteIP(), ClientName: s.clientName, ReversePath: line.Arg, SizeHint: sizeHint,
	})
	if result.Verdict != filter.Accept {
		s.reply(result.Code, result.Text)
		return
	}

	s.envelope = message.NewEnvelope(line.Arg)
	s.envelope.SizeHint = sizeHint
	if line.Params != nil {
		if _, ok := line.Params["SMTPUTF8"]; ok {
			s.envelope.SMTPUTF8 = true
		}
		switch strings.ToUpper(line.Params["BODY"]) {
		case "8BITMIME":
			s.envelope.BodyType = message.Body8BitMIME
		case "BINARYMIME":
			s.envelope.BodyType = message.BodyBinaryMIME
		}
	}
	s.state = StateMail
	s.reply(250, "2.1.0 Sender OK")
}

func (s *Session) handleRcptTo(ctx context.Context, line protocol.Line) {
	if s.envelope == nil {
		s.reply(503, "5.5.1 Bad sequence of commands")
		return
	}
	if !validAddressSyntax(line.Arg, false) {
		s.reply(501, "5.1.3 Bad recipient address syntax")
		return
	}
	maxRecipients := s.cfg.MaxRecipients
	if maxRecipients <= 0 {
		maxRecipients = 100
	}
	if len(s.envelope.ForwardPaths) >= maxRecipients {
		s.reply(452, "4.5.3 Too many recipients")
		return
	}
	result := s.cfg.Filters.CanAcceptRecipient(ctx, filter.RecipientContext{
		RemoteIP: s.remoteIP(), ReversePath: s.envelope.ReversePath, ForwardPath: line.Arg,
	})
	if result.Verdict != filter.Accept {
		s.reply(result.Code, result.Text)
		return
	}
	s.envelope.AddForwardPath(line.Arg)
	s.state = StateRecipient
	s.reply(250, "2.1.5 Recipient OK")
}

func validAddressSyntax(addr string, allowEmpty bool) bool {
	if addr == "" {
		return allowEmpty
	}
	name, domain := message.AddressComponents(addr)
	if name == "" || domain == "" {
		return false
	}
	if _, err := idna.Lookup.ToASCII(domain); err != nil {
		// Fall back to accepting the literal domain: idna's STD3 rules
		// reject some domains (e.g. labels containing "_") that
		// deployments still want to accept.
		return !strings.ContainsAny(domain, " \t")
	}
	return true
}

func (s *Session) handleData(ctx context.Context) {
	if s.envelope == nil || len(s.envelope.ForwardPaths) == 0 {
		s.reply(503, "5.5.1 Bad sequence of commands")
		return
	}
	s.state = StateData
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	data, truncated, ok := s.framer.ReadDotBytes(s.cfg.DataTimeout, s.cfg.MaxMessageSize)
	if !ok {
		s.reply(421, "4.4.2 Timeout, closing connection")
		s.abortConn()
		return
	}
	if truncated {
		s.reply(552, "5.3.4 Message size exceeds fixed maximum message size")
		s.resetEnvelope()
		return
	}
	s.finishMessage(ctx, data)
}

func (s *Session) handleBdat(ctx context.Context, line protocol.Line) {
	if s.envelope == nil || len(s.envelope.ForwardPaths) == 0 {
		s.reply(503, "5.5.1 Bad sequence of commands")
		return
	}
	n, err := strconv.ParseInt(line.Arg, 10, 64)
	if err != nil || n < 0 {
		s.reply(501, "5.5.4 Invalid chunk size")
		return
	}
	if int64(len(s.envelope.Raw))+n > s.cfg.MaxMessageSize {
		s.reply(552, "5.3.4 Message size exceeds fixed maximum message size")
		s.resetEnvelope()
		return
	}
	chunk, ok := s.framer.ReadExact(n, s.cfg.DataTimeout)
	if !ok {
		s.reply(421, "4.4.2 Timeout, closing connection")
		s.abortConn()
		return
	}
	s.envelope.Raw = append(s.envelope.Raw, chunk...)
	last := line.Params != nil && line.Params["LAST"] == "true"
	if !last {
		s.reply(250, "2.0.0 OK")
		return
	}
	s.finishMessage(ctx, s.envelope.Raw)
}

func (s *Session) finishMessage(ctx context.Context, raw []byte) {
	s.envelope.SetRaw(raw)

	msgCtx := filter.MessageContext{
		RemoteIP: s.remoteIP(), ReversePath: s.envelope.ReversePath,
		Recipients: s.envelope.ForwardPaths, Size: s.envelope.Size(), Raw: raw,
	}
	if result := s.cfg.Filters.CanAcceptMessage(ctx, msgCtx); result.Verdict != filter.Accept {
		s.reply(result.Code, result.Text)
		if s.cfg.Observer != nil {
			s.cfg.Observer.MessageRejected(result.Code)
		}
		s.resetEnvelope()
		return
	}

	if s.cfg.SpamOrch != nil {
		agg := s.cfg.SpamOrch.Run(ctx, spam.CheckInput{
			RemoteIP: s.remoteIP(), ClientName: s.clientName, ReversePath: s.envelope.ReversePath,
			Recipients: s.envelope.ForwardPaths, Raw: raw,
		})
		if s.cfg.Observer != nil {
			s.cfg.Observer.SpamScored(agg.WeightedScore)
		}
		for _, pr := range agg.PerChecker {
			if pr.Result.Reason == "checker timed out" {
				s.cfg.Logger.Warning("finishMessage", s.remoteIP(), nil, "spam checker %s timed out", pr.Name)
			}
		}
		switch agg.Action {
		case spam.ActionReject:
			s.reply(agg.RejectCode, agg.RejectText)
			if s.cfg.Observer != nil {
				s.cfg.Observer.MessageRejected(agg.RejectCode)
			}
			s.resetEnvelope()
			return
		case spam.ActionGreylist:
			s.reply(agg.RejectCode, agg.RejectText)
			s.resetEnvelope()
			return
		case spam.ActionMark, spam.ActionQuarantine:
			s.envelope.HeaderSet("X-Spam-Score", fmt.Sprintf("%.1f", agg.WeightedScore))
		}
	}

	if s.cfg.Store == nil {
		s.reply(250, "2.0.0 OK "+s.envelope.ID)
		s.resetEnvelope()
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.DataTimeout)
	defer cancel()
	result := s.cfg.Store.Save(saveCtx, store.Input{
		SessionID: s.ID, MessageID: s.envelope.ID, ReversePath: s.envelope.ReversePath,
		Recipients: s.envelope.ForwardPaths, Raw: s.envelope.Raw,
	})
	switch result.Outcome {
	case store.Saved:
		s.reply(250, "2.0.0 OK "+result.ID)
		if s.cfg.Observer != nil {
			s.cfg.Observer.MessageAccepted(s.envelope.Size())
		}
	case store.OutcomeTempFail:
		s.reply(451, "4.3.0 "+result.Reason)
	case store.OutcomeReject:
		s.reply(550, "5.7.1 "+result.Reason)
		if s.cfg.Observer != nil {
			s.cfg.Observer.MessageRejected(550)
		}
	}
	s.resetEnvelope()
}

func (s *Session) handleStartTLS() {
	if s.cfg.TLSConfig == nil {
		s.reply(454, "4.7.0 TLS not available")
		return
	}
	if s.tlsActive {
		s.reply(503, "5.5.1 TLS already active")
		return
	}
	s.reply(220, "2.0.0 Ready to start TLS")
	connState, err := protocol.UpgradeTLS(s.framer, s.cfg.TLSConfig, s.cfg.CommandTimeout)
	if err != nil {
		s.abortConn()
		return
	}
	s.writer.Rebind(s.framer.Conn())
	s.tlsActive = true
	s.tlsState = connState
	s.state = StateConnected
}

func (s *Session) handleAuth(line protocol.Line) {
	if s.cfg.AuthHandler == nil {
		s.reply(502, "5.5.1 Command not implemented")
		return
	}
	if s.cfg.RequireSecure && !s.tlsActive && !s.cfg.AllowPlaintextAuth {
		s.reply(530, "5.7.0 Must issue a STARTTLS command first")
		return
	}
	mech := strings.ToUpper(line.Arg)
	var authcid, password string
	switch mech {
	case "PLAIN":
		initial := ""
		if line.Params != nil {
			initial = line.Params["initial"]
		}
		if initial == "" {
			s.reply(334, "")
			resp, ok := s.framer.ReadLine(s.cfg.CommandTimeout)
			if !ok {
				s.abortConn()
				return
			}
			initial = resp
		}
		var err error
		authcid, password, err = auth.DecodePlain(initial)
		if err != nil {
			s.reply(501, "5.5.2 "+err.Error())
			return
		}
	case "LOGIN":
		s.reply(334, auth.EncodePrompt("Username:"))
		userB64, ok := s.framer.ReadLine(s.cfg.CommandTimeout)
		if !ok {
			s.abortConn()
			return
		}
		user, err := auth.DecodeLoginField(userB64)
		if err != nil {
			s.reply(501, "5.5.2 "+err.Error())
			return
		}
		s.reply(334, auth.EncodePrompt("Password:"))
		passB64, ok := s.framer.ReadLine(s.cfg.CommandTimeout)
		if !ok {
			s.abortConn()
			return
		}
		pass, err := auth.DecodeLoginField(passB64)
		if err != nil {
			s.reply(501, "5.5.2 "+err.Error())
			return
		}
		authcid, password = user, pass
	default:
		s.reply(504, "5.5.4 Unrecognized authentication mechanism")
		return
	}

	s.authState = AuthInProgress
	outcome := s.cfg.AuthHandler.Verify(authcid, password)
	if !outcome.Succeeded {
		s.authState = AuthAbsent
		s.reply(535, "5.7.8 Authentication credentials invalid")
		return
	}
	s.authState = AuthAuthenticated
	s.identity = outcome.Identity
	s.reply(235, "2.7.0 Authentication successful")
}

// Identity returns the authenticated identity, or "" if none.
func (s *Session) Identity() string { return s.identity }

// State returns the session's current protocol state, for observers/tests.
func (s *Session) State() State { return s.state }
