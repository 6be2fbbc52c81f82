// Package pop3client is a POP3 client for retrieving messages, RFC 1939,
// with the STLS extension from RFC 2595 and CAPA/UIDL/TOP from RFC 2449 and
// RFC 1939's optional commands.
//
// A Client is constructed with New, connected with Connect, and then driven
// through ReadGreeting, optionally Capa and StartTLS, Login and the mailbox
// commands (Stat, List, Uidl, Retr, Top, Dele, Rset, Noop), ended by Quit or
// Close.
//
// A Client is not safe for concurrent use.
package pop3client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sguinebert/mailio/dialog"
	"github.com/sguinebert/mailio/dns"
	"github.com/sguinebert/mailio/metrics"
	"github.com/sguinebert/mailio/mlog"
)

var (
	ErrStatus   = errors.New("pop3 server sent -ERR")     // Server rejected a command, the Error carries its text.
	ErrProtocol = errors.New("pop3 protocol error")       // Malformed status line or payload.
	ErrTLS      = errors.New("tls error")                 // Handshake failure, or STLS refused.
	ErrBotched  = errors.New("pop3 connection is botched") // After an i/o error or malformed response.
	ErrClosed   = errors.New("client is closed")
	ErrAuth     = errors.New("authentication rejected") // USER or PASS rejected.
	ErrGreeting = errors.New("connection rejected")     // Greeting was not +OK.
)

// Error represents a failed POP3 command.
type Error struct {
	Command string // Command causing the failure.
	Line    string // Status line from the server, excluding CRLF.
	Err     error  // One of the Err variables in this package, or an i/o error.
}

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error()
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// MailboxStat is the result of the STAT command.
type MailboxStat struct {
	Count uint64 // Number of messages in the mailbox.
	Size  uint64 // Total size of the mailbox in bytes.
}

// Capabilities are the keywords from a CAPA response, uppercased, with
// their parameter tokens.
type Capabilities map[string][]string

// Supports returns whether the keyword was announced. Lookup is
// case-insensitive.
func (c Capabilities) Supports(keyword string) bool {
	_, ok := c[strings.ToUpper(keyword)]
	return ok
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options influence behaviour of a Client.
type Options struct {
	TLSMode dialog.TLSMode // Default dialog.TLSNone.

	// TLS client configuration for TLSImmediate and STLS. If nil, a config
	// is built from TLS.
	TLSConfig *tls.Config
	TLS       dialog.TLSOptions

	// Policy for cleartext authentication, consulted by Login.
	Policy dialog.Policy

	// Per-operation timeout on the dialog. Zero means no timeout.
	Timeout time.Duration

	// Maximum length of a response line. Zero means
	// dialog.DefaultMaxLineLength.
	MaxLineLength int

	// If nil, a net.Dialer with a 30s timeout is used.
	Dialer Dialer

	// Destination for logs and protocol traces. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is a POP3 client. Use New to make one.
type Client struct {
	opts       Options
	tlsConfig  *tls.Config
	dialer     Dialer
	log        mlog.Log
	lastlog    time.Time
	dlg        *dialog.Dialog
	remoteHost dns.Domain // Retained for SNI on later STLS.

	cmd      string // Last or active command, for errors and metrics.
	cmdStart time.Time

	botched bool
}

// New returns an unconnected Client with the given options.
func New(opts Options) (*Client, error) {
	c := &Client{
		opts:    opts,
		dialer:  opts.Dialer,
		lastlog: time.Now(),
		cmd:     "(none)",
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{Timeout: 30 * time.Second}
	}
	c.tlsConfig = opts.TLSConfig
	if c.tlsConfig == nil {
		config, err := opts.TLS.Config()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		c.tlsConfig = config
	}
	c.log = mlog.New("pop3client", opts.Logger).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})
	return c, nil
}

// Connect resolves host, connects to it on port, and installs the dialog.
// With TLSMode dialog.TLSImmediate the TLS handshake is done before
// anything is read from the connection.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	d, err := dns.ParseDomain(host)
	if err != nil {
		d = dns.Domain{ASCII: strings.ToLower(host)}
	}
	c.remoteHost = d

	addr := net.JoinHostPort(d.ASCII, strconv.Itoa(port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.log.Debug("connected", slog.String("addr", addr))

	c.dlg = dialog.New(dialog.NewConn(conn), c.opts.MaxLineLength, c.opts.Timeout, c.log)
	if c.opts.TLSMode == dialog.TLSImmediate {
		if err := c.dlg.StartTLS(ctx, c.tlsConfig, c.remoteHost.ASCII); err != nil {
			conn.Close()
			c.dlg = nil
			return fmt.Errorf("%w: immediate tls handshake: %v", ErrTLS, err)
		}
	}
	return nil
}

// IsTLS returns whether the connection is TLS protected.
func (c *Client) IsTLS() bool {
	return c.dlg != nil && c.dlg.IsTLS()
}

// RemoteHost returns the host name given to Connect, as kept for SNI.
func (c *Client) RemoteHost() dns.Domain {
	return c.remoteHost
}

// Botched returns whether the connection is botched, e.g. after an i/o error
// or malformed response.
func (c *Client) Botched() bool {
	return c.botched
}

func (c *Client) xerrorf(line string, format string, args ...any) {
	panic(Error{c.cmd, line, fmt.Errorf(format, args...)})
}

func (c *Client) xbotchf(line string, format string, args ...any) {
	c.botched = true
	c.xerrorf(line, format, args...)
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) xcheckOpen() {
	if c.dlg == nil {
		panic(Error{Err: ErrClosed})
	} else if c.botched {
		panic(Error{Err: ErrBotched})
	}
}

func (c *Client) xwriteline(line string) {
	if err := c.dlg.WriteLine(line); err != nil {
		c.xbotchf("", "write: %v", err)
	}
}

func (c *Client) xreadline() string {
	line, err := c.dlg.ReadLine()
	if err != nil {
		c.xbotchf("", "%s: %v", c.cmd, err)
	}
	return line
}

// xreadStatus reads a status line and splits off the +OK/-ERR token. A
// first token that is neither is a protocol error. The text after -ERR is
// carried in the returned Error.
func (c *Client) xreadStatus() (text string) {
	line := c.xreadline()
	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case "+OK":
		metrics.CommandObserve("pop3", c.cmd, "ok", c.cmdStart)
		c.log.Debug("pop3client command result",
			slog.String("cmd", c.cmd),
			slog.String("result", "ok"),
			slog.Duration("duration", time.Since(c.cmdStart)))
		return rest
	case "-ERR":
		metrics.CommandObserve("pop3", c.cmd, "err", c.cmdStart)
		c.xerrorf(line, "%w: %s", ErrStatus, rest)
	default:
		c.xbotchf(line, "%w: unknown response status %q", ErrProtocol, status)
	}
	panic("not reached")
}

func (c *Client) xcommand(cmd string, line string) string {
	c.cmd = cmd
	c.cmdStart = time.Now()
	c.xwriteline(line)
	return c.xreadStatus()
}

// xreadMultiline reads payload lines until the terminating "." on a line by
// itself, removing the dot stuffing: each payload line starting with a dot
// has exactly one leading dot stripped.
func (c *Client) xreadMultiline() []string {
	var lines []string
	for {
		line := c.xreadline()
		if line == "." {
			return lines
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

// ReadGreeting reads the server greeting, returning its text. A greeting
// that is not +OK means the connection was rejected, and an Error wrapping
// ErrGreeting is returned.
func (c *Client) ReadGreeting() (text string, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmd = "(greeting)"
	c.cmdStart = time.Now()
	line := c.xreadline()
	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case "+OK":
		return rest, nil
	case "-ERR":
		c.xerrorf(line, "%w: %s", ErrGreeting, rest)
	default:
		c.xbotchf(line, "%w: unknown response status %q", ErrProtocol, status)
	}
	panic("not reached")
}

// Capa requests the server capabilities. Keywords are uppercased;
// parameters keep their case.
func (c *Client) Capa() (caps Capabilities, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.xcommand("capa", "CAPA")
	caps = Capabilities{}
	for _, line := range c.xreadMultiline() {
		t := strings.Fields(line)
		if len(t) == 0 {
			continue
		}
		caps[strings.ToUpper(t[0])] = append(caps[strings.ToUpper(t[0])], t[1:]...)
	}
	return caps, nil
}

// StartTLS upgrades the connection to TLS with the STLS command, keeping
// the dialog's line-length ceiling and timeout. sni overrides the server
// name; if empty, the host from Connect is used.
func (c *Client) StartTLS(ctx context.Context, sni string) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmd = "stls"
	c.cmdStart = time.Now()
	c.xwriteline("STLS")
	line := c.xreadline()
	status, rest, _ := strings.Cut(line, " ")
	if status != "+OK" {
		c.xerrorf(line, "%w: STLS: %s", ErrTLS, rest)
	}

	if sni == "" {
		sni = c.remoteHost.ASCII
	}
	if err := c.dlg.StartTLS(ctx, c.tlsConfig, sni); err != nil {
		c.xbotchf("", "%w: STLS TLS handshake: %v", ErrTLS, err)
	}
	c.log.Debug("stls client handshake done", slog.String("servername", sni))
	return nil
}

// Login authenticates with the USER and PASS commands. The auth policy is
// consulted before any credentials are written: without TLS and without
// explicit permission for cleartext authentication, dialog.ErrTLSRequired
// is returned and nothing is sent. A rejected username or password results
// in an Error wrapping ErrAuth.
func (c *Client) Login(username, password string) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	if err := c.opts.Policy.Check(c.log, c.IsTLS()); err != nil {
		return err
	}

	defer c.dlg.Trace(mlog.LevelTraceauth)()

	c.cmd = "user"
	c.cmdStart = time.Now()
	c.xwriteline("USER " + username)
	line := c.xreadline()
	status, rest, _ := strings.Cut(line, " ")
	if status != "+OK" {
		c.xerrorf(line, "%w: username: %s", ErrAuth, rest)
	}

	c.cmd = "pass"
	c.cmdStart = time.Now()
	c.xwriteline("PASS " + password)
	line = c.xreadline()
	status, rest, _ = strings.Cut(line, " ")
	if status != "+OK" {
		c.xerrorf(line, "%w: password: %s", ErrAuth, rest)
	}
	return nil
}

// Stat returns the number of messages and total mailbox size.
func (c *Client) Stat() (stat MailboxStat, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	text := c.xcommand("stat", "STAT")
	t := strings.Fields(text)
	if len(t) < 2 {
		c.xbotchf(text, "%w: malformed stat response", ErrProtocol)
	}
	count, err := strconv.ParseUint(t[0], 10, 64)
	if err == nil {
		stat.Count = count
		stat.Size, err = strconv.ParseUint(t[1], 10, 64)
	}
	if err != nil {
		c.xbotchf(text, "%w: malformed stat response: %v", ErrProtocol, err)
	}
	return stat, nil
}

// parse a "msgnum value" pair as returned by LIST and UIDL.
func (c *Client) xscanListing(line string) (int, string) {
	t := strings.Fields(line)
	if len(t) < 2 {
		c.xbotchf(line, "%w: malformed listing line", ErrProtocol)
	}
	num, err := strconv.Atoi(t[0])
	if err != nil || num <= 0 {
		c.xbotchf(line, "%w: malformed message number: %v", ErrProtocol, err)
	}
	return num, t[1]
}

// List returns message sizes by message number. With msgno > 0, only that
// message is listed (single-line response); with msgno 0 all messages are.
func (c *Client) List(msgno int) (sizes map[int]int64, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	sizes = map[int]int64{}
	add := func(line string) {
		num, v := c.xscanListing(line)
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.xbotchf(line, "%w: malformed size: %v", ErrProtocol, err)
		}
		sizes[num] = size
	}
	if msgno > 0 {
		text := c.xcommand("list", fmt.Sprintf("LIST %d", msgno))
		add(text)
		return sizes, nil
	}
	c.xcommand("list", "LIST")
	for _, line := range c.xreadMultiline() {
		add(line)
	}
	return sizes, nil
}

// Uidl returns unique message ids by message number. With msgno > 0, only
// that message is listed; with msgno 0 all messages are.
func (c *Client) Uidl(msgno int) (uids map[int]string, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	uids = map[int]string{}
	if msgno > 0 {
		text := c.xcommand("uidl", fmt.Sprintf("UIDL %d", msgno))
		num, uid := c.xscanListing(text)
		uids[num] = uid
		return uids, nil
	}
	c.xcommand("uidl", "UIDL")
	for _, line := range c.xreadMultiline() {
		num, uid := c.xscanListing(line)
		uids[num] = uid
	}
	return uids, nil
}

func (c *Client) xretrieve(cmd, line string) []byte {
	c.xcommand(cmd, line)

	// Message contents are traced at the data level only.
	defer c.dlg.Trace(mlog.LevelTracedata)()

	var b strings.Builder
	for _, l := range c.xreadMultiline() {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// Retr retrieves message msgno, returning the raw RFC 5322 bytes with CRLF
// line endings, dot stuffing removed and without the terminator line.
// Parsing is the caller's concern, e.g. with package message.
func (c *Client) Retr(msgno int) (data []byte, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.xretrieve("retr", fmt.Sprintf("RETR %d", msgno)), nil
}

// Top retrieves the header of message msgno plus n lines of its body, in
// the same form as Retr. Optional server command.
func (c *Client) Top(msgno, n int) (data []byte, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.xretrieve("top", fmt.Sprintf("TOP %d %d", msgno, n)), nil
}

// Dele marks message msgno as deleted. The server removes it at QUIT.
func (c *Client) Dele(msgno int) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.xcommand("dele", fmt.Sprintf("DELE %d", msgno))
	return nil
}

// Rset unmarks messages marked as deleted.
func (c *Client) Rset() (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.xcommand("rset", "RSET")
	return nil
}

// Noop does nothing, but checks the session is alive.
func (c *Client) Noop() (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.xcommand("noop", "NOOP")
	return nil
}

// Quit ends the session, committing deletions. The connection is still to
// be released with Close.
func (c *Client) Quit() (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.xcommand("quit", "QUIT")
	return nil
}

// Close releases the connection. If the session is usable, a QUIT is
// attempted first, with its response read on a short timeout.
func (c *Client) Close() (rerr error) {
	if c.dlg == nil {
		return ErrClosed
	}

	if !c.botched {
		if err := c.dlg.WriteLine("QUIT"); err == nil {
			if err := c.dlg.Conn().SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.log.Infox("setting read deadline for reading quit response", err)
			} else if _, err := c.dlg.ReadLine(); err != nil {
				rerr = fmt.Errorf("reading response to quit command: %v", err)
			}
		}
	}

	err := c.dlg.Conn().Close()
	c.dlg = nil
	if rerr == nil {
		rerr = err
	}
	return
}
