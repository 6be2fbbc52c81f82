package dialog

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sguinebert/mailio/mlog"
)

// DefaultMaxLineLength is the line-length ceiling used when Dialog is made
// with a zero max line length. It bounds memory per read call.
const DefaultMaxLineLength = 8192

var (
	ErrLineTooLong = errors.New("line from remote too long") // Returned by ReadLine, never with a truncated line.
	ErrTimedOut    = errors.New("operation timed out")       // Returned when an operation exceeded the configured timeout.
)

// Dialog implements line-oriented framing on a Conn: buffered line reads
// with a ceiling, exact-length reads for literals, CRLF-normalized line
// writes and raw writes, each operation bounded by an optional timeout.
//
// A Dialog (and the protocol client owning it) must not be used from
// multiple goroutines concurrently.
type Dialog struct {
	conn    *Conn
	log     mlog.Log
	maxLine int
	timeout time.Duration // Zero means no timeout.

	trace *traced
	r     *bufio.Reader
	buf   []byte // Reused by ReadLine.
}

// New returns a Dialog on conn. A zero maxLine selects
// DefaultMaxLineLength. A zero timeout disables operation deadlines.
func New(conn *Conn, maxLine int, timeout time.Duration, log mlog.Log) *Dialog {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	d := &Dialog{
		conn:    conn,
		log:     log,
		maxLine: maxLine,
		timeout: timeout,
	}
	d.trace = &traced{conn: conn, log: log, level: mlog.LevelTrace}
	d.r = bufio.NewReader(d.trace)
	return d
}

// Conn returns the underlying upgradable connection.
func (d *Dialog) Conn() *Conn {
	return d.conn
}

// IsTLS returns whether the connection is TLS protected.
func (d *Dialog) IsTLS() bool {
	return d.conn.IsTLS()
}

// MaxLineLength returns the configured line-length ceiling.
func (d *Dialog) MaxLineLength() int {
	return d.maxLine
}

// Timeout returns the configured per-operation timeout.
func (d *Dialog) Timeout() time.Duration {
	return d.timeout
}

// Trace changes the trace level of the wire tap, e.g. to traceauth during
// credential exchanges or tracedata during message transfers. The returned
// function restores the regular trace level.
func (d *Dialog) Trace(level slog.Level) func() {
	d.trace.level = level
	return func() {
		d.trace.level = mlog.LevelTrace
	}
}

// Each operation sets one deadline on the connection. A deadline firing
// after the operation completed only affects the next operation, which
// sets its own deadline first.
func (d *Dialog) deadline() time.Time {
	if d.timeout == 0 {
		return time.Time{}
	}
	return time.Now().Add(d.timeout)
}

func (d *Dialog) werr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	return err
}

// ReadLine reads a \n- or \r\n-terminated line, returned without the
// trailing \n or \r\n. Bytes beyond the first newline stay buffered for the
// next read. Lines whose content exceeds the ceiling fail with
// ErrLineTooLong. An EOF before a newline is io.ErrUnexpectedEOF.
func (d *Dialog) ReadLine() (string, error) {
	if err := d.conn.SetReadDeadline(d.deadline()); err != nil {
		d.log.Errorx("setting read deadline", err)
	}

	// Buffer leaves room for a CR before the terminating LF.
	if d.buf == nil {
		d.buf = make([]byte, d.maxLine+1)
	}
	nread := 0
	for {
		c, err := d.r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", d.werr(err))
		}
		if c == '\n' {
			if nread > 0 && d.buf[nread-1] == '\r' {
				nread--
			}
			if nread > d.maxLine {
				return "", fmt.Errorf("%w: %d bytes", ErrLineTooLong, nread)
			}
			return string(d.buf[:nread]), nil
		}
		if nread >= len(d.buf) {
			// We don't consume data until a newline finally arrives, which
			// may be never. The protocols cannot be recovered after this.
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, nread)
		}
		d.buf[nread] = c
		nread++
	}
}

// ReadExactly reads exactly n bytes, used for IMAP literals. Bytes already
// buffered from previous line reads are consumed first. For n == 0 an empty
// slice is returned without touching the connection.
func (d *Dialog) ReadExactly(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if err := d.conn.SetReadDeadline(d.deadline()); err != nil {
		d.log.Errorx("setting read deadline", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("reading %d bytes from remote: %w", n, d.werr(err))
	}
	return buf, nil
}

// WriteLine writes line, normalizing the ending to CRLF: a line already
// ending in CRLF is sent unchanged, a bare LF is replaced by CRLF, a bare CR
// gets an LF appended, anything else gets CRLF appended.
func (d *Dialog) WriteLine(line string) error {
	switch {
	case strings.HasSuffix(line, "\r\n"):
	case strings.HasSuffix(line, "\n"):
		line = line[:len(line)-1] + "\r\n"
	case strings.HasSuffix(line, "\r"):
		line += "\n"
	default:
		line += "\r\n"
	}
	return d.WriteRaw([]byte(line))
}

// WriteRaw writes the buffers as-is.
func (d *Dialog) WriteRaw(bufs ...[]byte) error {
	if err := d.conn.SetWriteDeadline(d.deadline()); err != nil {
		d.log.Errorx("setting write deadline", err)
	}
	for _, buf := range bufs {
		if _, err := d.trace.Write(buf); err != nil {
			return fmt.Errorf("write: %w", d.werr(err))
		}
	}
	return nil
}

// Writer returns a writer to the connection, with trace logging and the
// write deadline of a single operation. Used for writing message data
// during the SMTP DATA phase.
func (d *Dialog) Writer() io.Writer {
	if err := d.conn.SetWriteDeadline(d.deadline()); err != nil {
		d.log.Errorx("setting write deadline", err)
	}
	return d.trace
}

// StartTLS upgrades the connection to TLS, replaying bytes that were read
// into the buffer but not yet consumed, and starts over with a fresh read
// buffer. The wire tap, line-length ceiling and timeout carry over
// unchanged. See Conn.StartTLS for the failure mode.
func (d *Dialog) StartTLS(ctx context.Context, config *tls.Config, sni string) error {
	// Handshake i/o is bounded by ctx and by the dialog timeout.
	if err := d.conn.SetDeadline(d.deadline()); err != nil {
		d.log.Errorx("setting deadline for tls handshake", err)
	}

	// TLS is started on the underlying connection, not on d.r: the wire tap
	// must not log raw TLS records. Bytes already buffered are part of the
	// TLS handshake sent by servers that pipeline, hand them to the
	// handshake.
	var prefix io.Reader
	if n := d.r.Buffered(); n > 0 {
		prefix = io.LimitReader(d.r, int64(n))
	}
	if err := d.conn.StartTLS(ctx, config, sni, prefix); err != nil {
		return d.werr(err)
	}
	// The tap follows the Conn across the upgrade, only the read buffer must
	// be fresh.
	d.r = bufio.NewReader(d.trace)

	version, ciphersuite := TLSInfo(d.conn.TLSConnectionState())
	d.log.Debug("tls client handshake done",
		slog.String("version", version),
		slog.String("ciphersuite", ciphersuite),
		slog.String("servername", sni))
	return nil
}
