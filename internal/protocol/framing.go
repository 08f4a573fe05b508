package protocol

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// Framer wraps a net.Conn with the buffered line/dot-stuffed framing SMTP
// needs, and exposes the single operation ("Reframe") that must discard any
// bytes buffered ahead of a STARTTLS handshake.
type Framer struct {
	conn        net.Conn
	limitReader *io.LimitedReader
	textReader  *textproto.Reader

	// MaxLineLength bounds a single command line. DATA/BDAT bodies use
	// the session's MaxMessageSize instead, enforced by the caller via ReadDotBytes'
	// size cap.
	MaxLineLength int64
}

// NewFramer wraps conn for line-oriented ESMTP traffic.
func NewFramer(conn net.Conn, maxLineLength int64) *Framer {
	f := &Framer{conn: conn, MaxLineLength: maxLineLength}
	f.setup(conn)
	return f
}

func (f *Framer) setup(conn net.Conn) {
	f.conn = conn
	f.limitReader = io.LimitReader(conn, f.MaxLineLength).(*io.LimitedReader)
	f.textReader = textproto.NewReader(bufio.NewReader(f.limitReader))
}

// Conn returns the current underlying connection (post-STARTTLS, this is the
// *tls.Conn).
func (f *Framer) Conn() net.Conn { return f.conn }

// SetDeadline proxies to the underlying connection.
func (f *Framer) SetDeadline(t time.Time) error { return f.conn.SetDeadline(t) }

// ReadLine reads one CRLF- (or lenient bare-LF-) terminated command line. It
// reports ok=false if the line exceeded MaxLineLength or the connection
// failed/timed out.
func (f *Framer) ReadLine(timeout time.Duration) (line string, ok bool) {
	f.limitReader.N = f.MaxLineLength
	if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", false
	}
	line, err := f.textReader.ReadLine()
	if err != nil || f.limitReader.N == 0 {
		return "", false
	}
	return line, true
}

// ReadDotBytes reads a dot-stuffed DATA body up to maxBytes, returning the
// unstuffed bytes. ok is false on I/O error, timeout, or if the body was
// truncated for exceeding maxBytes (the terminator is still consumed so the
// connection stays in sync).
func (f *Framer) ReadDotBytes(timeout time.Duration, maxBytes int64) (data []byte, truncated bool, ok bool) {
	if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, false
	}
	// Lift the line cap for the body; the size limit applies to the
	// unstuffed bytes below instead.
	f.limitReader.N = math.MaxInt64
	dot := f.textReader.DotReader()
	raw, err := io.ReadAll(io.LimitReader(dot, maxBytes+1)) // +1 so exceeding by one byte is observable
	if err != nil {
		return nil, false, false
	}
	if int64(len(raw)) > maxBytes {
		// Discard the rest of the body up to and including the terminator.
		if _, err := io.Copy(io.Discard, dot); err != nil {
			return nil, false, false
		}
		return raw[:maxBytes], true, true
	}
	return raw, false, true
}

// ReadExact reads exactly n raw (non-dot-stuffed) bytes, honoring an idle
// timeout per read syscall rather than for the whole transfer, since BDAT
// chunks may legitimately be large.
func (f *Framer) ReadExact(n int64, idleTimeout time.Duration) ([]byte, bool) {
	// The last ReadLine left limitReader.N capped at MaxLineLength, which is
	// almost always smaller than a BDAT chunk; lift the cap to the chunk
	// size so the LimitedReader doesn't report a spurious EOF partway
	// through a large chunk.
	if f.limitReader.N < n {
		f.limitReader.N = n
	}
	buf := make([]byte, n)
	var read int64
	for read < n {
		if err := f.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, false
		}
		m, err := f.textReader.R.Read(buf[read:])
		read += int64(m)
		if err != nil && read < n {
			return nil, false
		}
	}
	return buf, true
}

// Reframe discards any bytes buffered ahead of conn and rebuilds the reader
// around the new connection. This is the operation STARTTLS relies on to
// guarantee no plaintext-buffered command is dispatched after the
// handshake: the pre-TLS bufio.Reader and its contents are simply dropped.
func (f *Framer) Reframe(conn net.Conn) {
	f.setup(conn)
}

// UpgradeTLS performs the server side of a STARTTLS handshake over the
// framer's current connection, then reframes around the resulting
// *tls.Conn. The caller is responsible for sending the "220 Ready to start
// TLS" reply before calling this, and must not read or write through the
// framer again until it returns.
func UpgradeTLS(f *Framer, config *tls.Config, handshakeTimeout time.Duration) (tls.ConnectionState, error) {
	if err := f.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return tls.ConnectionState{}, err
	}
	tlsConn := tls.Server(f.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return tls.ConnectionState{}, err
	}
	_ = f.conn.SetDeadline(time.Time{})
	f.Reframe(tlsConn)
	return tlsConn.ConnectionState(), nil
}

// Writer serializes replies to the client. A single underlying mutex is not
// needed here: the session goroutine is the sole writer for the lifetime of
// the connection (spec: "writes to the socket from a single session are
// serialized").
type Writer struct {
	conn net.Conn
}

// NewWriter wraps conn for reply writing.
func NewWriter(conn net.Conn) *Writer { return &Writer{conn: conn} }

// Rebind points the writer at a new underlying connection, used after a
// STARTTLS upgrade.
func (w *Writer) Rebind(conn net.Conn) { w.conn = conn }

// Reply writes a single-line reply "NNN text\r\n".
func (w *Writer) Reply(timeout time.Duration, code int, text string) error {
	return w.writeLine(timeout, fmt.Sprintf("%d %s", code, text))
}

// ReplyMulti writes a multi-line reply, where all but the last line use the
// "NNN-text" continuation form and the final line uses "NNN text".
func (w *Writer) ReplyMulti(timeout time.Duration, code int, lines []string) error {
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		if err := w.writeLine(timeout, fmt.Sprintf("%d%c%s", code, sep, line)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeLine(timeout time.Duration, line string) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := w.conn.Write([]byte(line + "\r\n"))
	return err
}

// NormalizeDotStuffing is exported for tests and for callers that already
// have a raw body (e.g. cluster-replayed messages) and need to re-apply
// dot-stuffing before re-transmitting it on the wire.
func NormalizeDotStuffing(body []byte) []byte {
	lines := strings.Split(string(body), "\r\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = "." + l
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}
