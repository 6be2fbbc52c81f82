// Package imapclient is an IMAP4rev1 client, RFC 3501, for reading and
// manipulating a remote mailbox.
//
// A Client is constructed with New, connected with Connect and driven
// through ReadGreeting, optionally Capability and StartTLS, Login and the
// mailbox commands (Select, Examine, Fetch, Store, Search, Expunge,
// CloseMailbox, Noop), ended by Logout and Close.
//
// Server responses are returned as generic token trees (see Token and
// Line): atoms, length-prefixed literals and nested parenthesized lists,
// with "[...]" response codes kept apart from the mandatory tokens.
//
// A Client is not safe for concurrent use.
package imapclient

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
	ErrCommand    = errors.New("imap command failed")         // Tagged NO or BAD, the Error carries the response text.
	ErrParse      = errors.New("imap response parse error")   // Malformed line, literal size or nesting.
	ErrProtocol   = errors.New("imap protocol error")         // Unexpected status or sequence of responses.
	ErrInvalidTag = errors.New("imap response tag mismatch")  // Tagged completion for a tag we didn't send.
	ErrTLS        = errors.New("tls error")                   // Handshake failure, or STARTTLS refused.
	ErrBotched    = errors.New("imap connection is botched")  // After an i/o error or malformed response.
	ErrClosed     = errors.New("client is closed")
	ErrAuth       = errors.New("authentication rejected") // LOGIN rejected.
	ErrGreeting   = errors.New("connection rejected")     // Greeting was not OK, PREAUTH or BYE.
)

// Error represents a failed IMAP command.
type Error struct {
	Command  string    // Command causing the failure, lower case.
	Text     string    // Response text from the server, if any.
	Response *Response // Parsed response, if one was read.
	Err      error     // One of the Err variables in this package, or an i/o error.
}

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error()
	}
	if e.Text != "" {
		s += ": " + e.Text
	}
	return s
}

// MailboxStat is the mailbox state reported while selecting a mailbox.
type MailboxStat struct {
	Messages    uint32 // EXISTS.
	Recent      uint32 // RECENT.
	UIDNext     uint32 // OK [UIDNEXT].
	UIDValidity uint32 // OK [UIDVALIDITY].
	Unseen      uint32 // OK [UNSEEN].
}

// Capabilities are the atoms from a CAPABILITY response, uppercased.
type Capabilities map[string][]string

// Supports returns whether the capability was announced. Lookup is
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

	// TLS client configuration for TLSImmediate and STARTTLS. If nil, a
	// config is built from TLS.
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

// Client is an IMAP client. Use New to make one.
type Client struct {
	opts       Options
	tlsConfig  *tls.Config
	dialer     Dialer
	log        mlog.Log
	lastlog    time.Time
	dlg        *dialog.Dialog
	remoteHost dns.Domain // Retained for SNI on later STARTTLS.

	// Tag counter, incremented before each command; the tag on the wire is
	// the decimal form.
	tagGen  int
	lastTag string

	cmd      string // Last or active command, for errors and metrics.
	cmdStart time.Time

	preauth bool // Greeting was PREAUTH, the session is already authenticated.
	caps    Capabilities
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
	c.log = mlog.New("imapclient", opts.Logger).WithFunc(func() []slog.Attr {
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

// Preauth returns whether the greeting was PREAUTH, meaning the session
// needs no Login.
func (c *Client) Preauth() bool {
	return c.preauth
}

// Botched returns whether the connection is botched, e.g. after an i/o error
// or malformed response.
func (c *Client) Botched() bool {
	return c.botched
}

// Capabilities returns the capabilities from the last CAPABILITY exchange.
// Nil before the first Capability call and after STARTTLS, when they are
// stale.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

func (c *Client) errorf(resp *Response, text string, format string, args ...any) error {
	return Error{c.cmd, text, resp, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(resp *Response, text string, format string, args ...any) {
	panic(c.errorf(resp, text, format, args...).(Error))
}

func (c *Client) xbotchf(resp *Response, format string, args ...any) {
	c.botched = true
	c.xerrorf(resp, "", format, args...)
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

func (c *Client) nextTag() string {
	c.tagGen++
	c.lastTag = strconv.Itoa(c.tagGen)
	return c.lastTag
}

// LastTag returns the tag used for the last command.
func (c *Client) LastTag() string {
	return c.lastTag
}

// xreadLine reads one logical response line: a physical line, plus for each
// announced literal its out-of-band bytes and the continuation line.
func (c *Client) xreadLine() *Line {
	p := newLineParser()
	line, err := c.dlg.ReadLine()
	if err != nil {
		c.xbotchf(nil, "%s: %v", c.cmd, err)
	}
	if err := p.feed(line); err != nil {
		c.xbotchf(nil, "%v", err)
	}
	for {
		size, pending := p.PendingLiteral()
		if !pending {
			break
		}
		data, err := c.dlg.ReadExactly(size)
		if err != nil {
			c.xbotchf(nil, "reading %d-byte literal: %v", size, err)
		}
		p.TakeLiteral(data)
		line, err = c.dlg.ReadLine()
		if err != nil {
			c.xbotchf(nil, "reading continuation after literal: %v", err)
		}
		if err := p.feed(line); err != nil {
			c.xbotchf(nil, "%v", err)
		}
	}
	ln, err := p.Line()
	if err != nil {
		c.xbotchf(nil, "%v", err)
	}
	return ln
}

func firstAtom(ln *Line) string {
	if len(ln.Tokens) > 0 && ln.Tokens[0].Type == TokenAtom {
		return ln.Tokens[0].Atom
	}
	return ""
}

// xreadResponse collects untagged lines and continuation requests until the
// tagged completion for the last written command, and checks the tag.
func (c *Client) xreadResponse() *Response {
	resp := &Response{}
	for {
		ln := c.xreadLine()
		resp.Lines = append(resp.Lines, ln)
		resp.Literals = append(resp.Literals, ln.Literals()...)

		tag := firstAtom(ln)
		switch tag {
		case "*", "+":
			continue
		case "":
			c.xbotchf(resp, "%w: response line without leading atom", ErrProtocol)
		}
		if tag != c.lastTag {
			c.xbotchf(resp, "%w: got tag %q, expected %q", ErrInvalidTag, tag, c.lastTag)
		}
		resp.Tag = tag
		if len(ln.Tokens) < 2 || ln.Tokens[1].Type != TokenAtom {
			c.xbotchf(resp, "%w: tagged completion without status", ErrProtocol)
		}
		resp.Status = parseStatus(ln.Tokens[1].Atom)
		if resp.Status == StatusUnknown {
			c.xbotchf(resp, "%w: unknown status %q on tagged completion", ErrProtocol, ln.Tokens[1].Atom)
		}
		resp.Text = resultText(ln.Raw)
		return resp
	}
}

// transact writes a tagged command and reads its response, requiring a
// tagged OK. On NO or BAD an Error wrapping ErrCommand is returned along
// with the response.
func (c *Client) transact(cmd string, format string, args ...any) (*Response, error) {
	c.cmd = cmd
	c.cmdStart = time.Now()
	tag := c.nextTag()
	if err := c.dlg.WriteLine(fmt.Sprintf("%s %s", tag, fmt.Sprintf(format, args...))); err != nil {
		c.xbotchf(nil, "write: %v", err)
	}
	resp := c.xreadResponse()
	metrics.CommandObserve("imap", cmd, strings.ToLower(string(resp.Status)), c.cmdStart)
	c.log.Debug("imapclient command result",
		slog.String("cmd", cmd),
		slog.String("status", string(resp.Status)),
		slog.Duration("duration", time.Since(c.cmdStart)))
	if resp.Status != OK {
		return resp, c.errorf(resp, resp.Text, "%w: %s", ErrCommand, resp.Status)
	}
	return resp, nil
}

// ReadGreeting reads the untagged server greeting, accepting OK, PREAUTH
// and BYE statuses. PREAUTH marks the session as authenticated. Anything
// else is a rejected connection.
func (c *Client) ReadGreeting() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmd = "(greeting)"
	c.cmdStart = time.Now()
	ln := c.xreadLine()
	if firstAtom(ln) != "*" {
		c.xbotchf(nil, "%w: expected untagged greeting: %s", ErrProtocol, ln.Raw)
	}
	if len(ln.Tokens) < 2 || ln.Tokens[1].Type != TokenAtom {
		c.xbotchf(nil, "%w: greeting without status", ErrProtocol)
	}
	status := parseStatus(ln.Tokens[1].Atom)
	switch status {
	case OK, BYE:
	case PREAUTH:
		c.preauth = true
	default:
		c.xerrorf(nil, ln.Raw, "%w: greeting status %q", ErrGreeting, ln.Tokens[1].Atom)
	}
	resp = &Response{Status: status, Text: resultText(ln.Raw), Lines: []*Line{ln}}
	return resp, nil
}

// Capability requests the server capabilities, refreshing the capability
// set from the untagged CAPABILITY response.
func (c *Client) Capability() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	resp, err := c.transact("capability", "CAPABILITY")
	if err != nil {
		return resp, err
	}
	caps := Capabilities{}
	for _, ln := range resp.Untagged() {
		if len(ln.Tokens) < 2 || !strings.EqualFold(ln.Tokens[1].Atom, "CAPABILITY") {
			continue
		}
		for _, t := range ln.Tokens[2:] {
			if t.Type == TokenAtom {
				caps[strings.ToUpper(t.Atom)] = []string{}
			}
		}
	}
	c.caps = caps
	return resp, nil
}

// StartTLS upgrades the connection to TLS, keeping the dialog's
// line-length ceiling and timeout. The capability set is stale afterwards
// and cleared; callers must do Capability again. sni overrides the server
// name; if empty, the host from Connect is used.
func (c *Client) StartTLS(ctx context.Context, sni string) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	if _, err := c.transact("starttls", "STARTTLS"); err != nil {
		return err
	}
	if sni == "" {
		sni = c.remoteHost.ASCII
	}
	if err := c.dlg.StartTLS(ctx, c.tlsConfig, sni); err != nil {
		c.xbotchf(nil, "%w: STARTTLS TLS handshake: %v", ErrTLS, err)
	}
	c.caps = nil
	c.log.Debug("starttls client handshake done", slog.String("servername", sni))
	return nil
}

// Login authenticates with the LOGIN command, the username and password
// rendered as astrings. The auth policy is consulted before any
// credentials are written: without TLS and without explicit permission for
// cleartext authentication, dialog.ErrTLSRequired is returned and nothing
// is sent. A rejected login results in an Error wrapping ErrAuth.
func (c *Client) Login(username, password string) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	if err := c.opts.Policy.Check(c.log, c.IsTLS()); err != nil {
		return err
	}

	defer c.dlg.Trace(mlog.LevelTraceauth)()
	_, err := c.transact("login", "LOGIN %s %s", astring(username), astring(password))
	if err != nil {
		var cerr Error
		if errors.As(err, &cerr) && errors.Is(cerr.Err, ErrCommand) {
			cerr.Err = fmt.Errorf("%w: %v", ErrAuth, cerr.Err)
			return cerr
		}
	}
	return err
}

// parse mailbox state from the untagged responses of a SELECT or EXAMINE.
func mailboxStat(resp *Response) MailboxStat {
	var stat MailboxStat
	for _, ln := range resp.Untagged() {
		toks := ln.Tokens
		if len(toks) >= 3 && toks[1].Type == TokenAtom && toks[2].Type == TokenAtom {
			if n, err := strconv.ParseUint(toks[1].Atom, 10, 32); err == nil {
				switch strings.ToUpper(toks[2].Atom) {
				case "EXISTS":
					stat.Messages = uint32(n)
				case "RECENT":
					stat.Recent = uint32(n)
				}
				continue
			}
		}
		if len(toks) >= 2 && strings.EqualFold(toks[1].Atom, "OK") && len(ln.Code) >= 2 {
			if n, err := strconv.ParseUint(ln.Code[1].Atom, 10, 32); err == nil {
				switch strings.ToUpper(ln.Code[0].Atom) {
				case "UIDNEXT":
					stat.UIDNext = uint32(n)
				case "UIDVALIDITY":
					stat.UIDValidity = uint32(n)
				case "UNSEEN":
					stat.Unseen = uint32(n)
				}
			}
		}
	}
	return stat
}

// Select opens a mailbox read-write and returns its state.
func (c *Client) Select(mailbox string) (resp *Response, stat MailboxStat, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	resp, err := c.transact("select", "SELECT %s", astring(mailbox))
	if err != nil {
		return resp, MailboxStat{}, err
	}
	return resp, mailboxStat(resp), nil
}

// Examine opens a mailbox read-only and returns its state.
func (c *Client) Examine(mailbox string) (resp *Response, stat MailboxStat, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	resp, err := c.transact("examine", "EXAMINE %s", astring(mailbox))
	if err != nil {
		return resp, MailboxStat{}, err
	}
	return resp, mailboxStat(resp), nil
}

// FlagsOp is how a STORE changes the flags of a message.
type FlagsOp string

const (
	FlagsSet FlagsOp = ""  // Replace the flags.
	FlagsAdd FlagsOp = "+" // Add to the flags.
	FlagsDel FlagsOp = "-" // Remove from the flags.
)

// Store changes message data of the messages in seqSet, e.g. item "FLAGS"
// with values like \Seen and \Deleted, with op selecting replace, add or
// remove.
func (c *Client) Store(seqSet string, op FlagsOp, item string, values ...string) (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.transact("store", "STORE %s %s%s (%s)", seqSet, op, strings.ToUpper(item), strings.Join(values, " "))
}

// Fetch retrieves message data for the messages in seqSet, e.g. items
// "(FLAGS BODY[])". The fetched values are in the returned response's
// token trees and literals.
func (c *Client) Fetch(seqSet string, items string) (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	defer c.dlg.Trace(mlog.LevelTracedata)()
	return c.transact("fetch", "FETCH %s %s", seqSet, items)
}

// Search returns the message sequence numbers matching all given
// conditions.
func (c *Client) Search(conds ...SearchCondition) (ids []uint32, resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	l := make([]string, len(conds))
	for i, sc := range conds {
		l[i] = sc.String()
	}
	resp, err := c.transact("search", "SEARCH %s", strings.Join(l, " "))
	if err != nil {
		return nil, resp, err
	}
	for _, ln := range resp.Untagged() {
		if len(ln.Tokens) < 2 || !strings.EqualFold(ln.Tokens[1].Atom, "SEARCH") {
			continue
		}
		for _, t := range ln.Tokens[2:] {
			if t.Type != TokenAtom {
				continue
			}
			n, err := strconv.ParseUint(t.Atom, 10, 32)
			if err != nil {
				c.xbotchf(resp, "%w: malformed search result %q", ErrProtocol, t.Atom)
			}
			ids = append(ids, uint32(n))
		}
	}
	return ids, resp, nil
}

// Expunge permanently removes the messages marked \Deleted from the
// selected mailbox.
func (c *Client) Expunge() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.transact("expunge", "EXPUNGE")
}

// CloseMailbox closes the selected mailbox with the CLOSE command,
// expunging messages marked \Deleted without reporting them.
func (c *Client) CloseMailbox() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.transact("close", "CLOSE")
}

// Noop does nothing, but lets the server send pending untagged responses.
func (c *Client) Noop() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.transact("noop", "NOOP")
}

// Logout ends the session. The connection is still to be released with
// Close.
func (c *Client) Logout() (resp *Response, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	return c.transact("logout", "LOGOUT")
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.dlg == nil {
		return ErrClosed
	}
	err := c.dlg.Conn().Close()
	c.dlg = nil
	return err
}

// TLSConnectionState returns TLS details if TLS is enabled, and nil
// otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if c.dlg == nil {
		return nil
	}
	return c.dlg.Conn().TLSConnectionState()
}

// atom or string.
func astring(s string) string {
	if len(s) == 0 {
		return stringx(s)
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || strings.ContainsRune(`(){%*"\[]`, c) {
			return stringx(s)
		}
	}
	return s
}

// imap "string", i.e. double-quoted string or synchronous literal for
// values with CR, LF or NUL that cannot be quoted.
func stringx(s string) string {
	r := `"`
	for _, c := range s {
		if c == '\x00' || c == '\r' || c == '\n' {
			return syncliteral(s)
		}
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	r += `"`
	return r
}

// sync literal, i.e. {<num>}\r\n<num bytes>.
func syncliteral(s string) string {
	return fmt.Sprintf("{%d}\r\n", len(s)) + s
}
