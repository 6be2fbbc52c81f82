// Package smtpclient is an SMTP client, for submitting messages to an SMTP
// server, RFC 5321.
//
// A Client is constructed with New, bound to a set of Options, and connected
// with Connect. For submission, the typical sequence is Connect, Hello
// (greeting, EHLO and optionally STARTTLS), Authenticate and one or more
// Send calls, ended by Quit or Close. The lower-level steps (ReadGreeting,
// Ehlo, StartTLS) can be driven individually as well.
//
// A Client is not safe for concurrent use.
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sguinebert/mailio/dialog"
	"github.com/sguinebert/mailio/dns"
	"github.com/sguinebert/mailio/metrics"
	"github.com/sguinebert/mailio/mlog"
	"github.com/sguinebert/mailio/sasl"
	"github.com/sguinebert/mailio/smtp"
)

var (
	ErrStatus       = errors.New("smtp server sent unexpected response status code") // E.g. when a 250 was expected and the server sent 451.
	ErrProtocol     = errors.New("smtp protocol error")                              // After a malformed or inconsistent multi-line response.
	ErrTLS          = errors.New("tls error")                                        // E.g. handshake failure, or STARTTLS refused.
	ErrBotched      = errors.New("smtp connection is botched")                       // Set on a client, and returned for new operations, after an i/o error or malformed response.
	ErrClosed       = errors.New("client is closed")
	ErrAuth         = errors.New("authentication rejected") // Negative response in the AUTH exchange.
	ErrGreeting     = errors.New("connection rejected")     // Greeting was not a 220.
	ErrHello        = errors.New("ehlo and helo rejected")  // Neither EHLO nor HELO got a positive completion.
	ErrNoSender     = errors.New("no sender address")
	ErrNoRecipients = errors.New("no recipient addresses")
)

// AuthMethod is an authentication mechanism.
type AuthMethod string

const (
	AuthPlain AuthMethod = "plain"
	AuthLogin AuthMethod = "login"
)

// Reply is a parsed SMTP reply: the status code and the free-text part of
// each line. On a well-formed reply every continuation line repeats the code
// of the first line.
type Reply struct {
	Code  int
	Lines []string
}

func (r Reply) IsPositiveCompletion() bool   { return r.Code/100 == 2 }
func (r Reply) IsPositiveIntermediate() bool { return r.Code/100 == 3 }
func (r Reply) IsTransientNegative() bool    { return r.Code/100 == 4 }
func (r Reply) IsPermanentNegative() bool    { return r.Code/100 == 5 }

// Message returns the text lines joined with newlines.
func (r Reply) Message() string {
	return strings.Join(r.Lines, "\n")
}

// Capabilities are the extensions announced in an EHLO reply, keyword
// (upper case) to parameter tokens. The zero value announces nothing.
type Capabilities map[string][]string

// Supports returns whether the keyword was announced. Lookup is
// case-insensitive.
func (c Capabilities) Supports(keyword string) bool {
	_, ok := c[strings.ToUpper(keyword)]
	return ok
}

// Params returns the parameter tokens announced with keyword, nil if the
// keyword was not announced.
func (c Capabilities) Params(keyword string) []string {
	return c[strings.ToUpper(keyword)]
}

// Error represents a failure during an SMTP transaction.
//
// Code, Secode and Line are only set for SMTP-level errors, and are zero
// values otherwise. Command is set for every error raised during a command.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and
	// 5xx for permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g.
	// for i/o errors or if remote does not send enhanced status codes. If
	// remote responds with "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF
	// that caused the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response. Most
	// SMTP responses are single-line, leaving this field empty.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io
	// errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Message is the submission-side view of a mail message. The client only
// needs the envelope-relevant addresses and a serialized form; MIME
// structure is not its concern. Package message provides an implementation.
type Message interface {
	// Sender returns the address from the Sender header, empty if absent.
	Sender() string
	// From returns the addresses from the From header.
	From() []string

	Recipients() []string    // Addresses from the To header.
	CcRecipients() []string  // Addresses from the Cc header.
	BccRecipients() []string // Addresses from the Bcc header.

	// WriteTo writes the message in RFC 5322 syntax, with CRLF line endings.
	// Dot escaping is done by the client during the DATA phase, not by the
	// message.
	WriteTo(w io.Writer, opts FormatOptions) error
}

// FormatOptions influence Message.WriteTo.
type FormatOptions struct {
	// Whether the Bcc header is included. During submission it is not.
	AddBccHeader bool
}

// Envelope optionally overrides the addresses negotiated with MAIL FROM and
// RCPT TO, independently of the message headers.
type Envelope struct {
	MailFrom string
	RcptTo   []string
}

// Options influence behaviour of a Client.
type Options struct {
	TLSMode dialog.TLSMode // Default dialog.TLSNone.

	// TLS client configuration used for TLSImmediate and STARTTLS. If nil, a
	// config is built from TLS.
	TLSConfig *tls.Config
	TLS       dialog.TLSOptions

	// Policy for cleartext authentication, consulted by Authenticate.
	Policy dialog.Policy

	// Per-operation timeout on the dialog. Zero means no timeout.
	Timeout time.Duration

	// Maximum length of a response line. Zero means
	// dialog.DefaultMaxLineLength.
	MaxLineLength int

	// With TLSMode dialog.TLSSTARTTLS, Hello upgrades the connection automatically
	// when the server announces the STARTTLS extension, and does EHLO again.
	AutoSTARTTLS bool

	// Name to identify as in EHLO/HELO. If zero, the local hostname is used,
	// falling back to "localhost".
	EhloHostname dns.Domain

	// If nil, a net.Dialer with a 30s timeout is used.
	Dialer Dialer

	// Destination for logs and protocol traces. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is an SMTP client. Use New to make one.
type Client struct {
	opts       Options
	tlsConfig  *tls.Config
	dialer     Dialer
	log        mlog.Log
	lastlog    time.Time // For adding delta timestamps between log lines.
	dlg        *dialog.Dialog
	remoteHost dns.Domain // Retained for SNI on later STARTTLS.

	cmds     []string // Last or active command, for generating errors and metrics.
	cmdStart time.Time

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new transaction requires an RSET command.

	remoteHelo string       // From 220 greeting line.
	caps       Capabilities // From the last EHLO. Nil after HELO fallback or STARTTLS.
	extEcodes  bool         // Remote sends enhanced error codes.
}

// New returns an unconnected Client with the given options.
func New(opts Options) (*Client, error) {
	c := &Client{
		opts:    opts,
		dialer:  opts.Dialer,
		lastlog: time.Now(),
		cmds:    []string{"(none)"},
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
	c.log = mlog.New("smtpclient", opts.Logger).WithFunc(func() []slog.Attr {
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
// With TLSMode dialog.TLSImmediate the TLS handshake is done before anything is
// read from the connection, using host for SNI and verification.
//
// Connect does not read the greeting, see ReadGreeting or Hello.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	d, err := dns.ParseDomain(host)
	if err != nil {
		// Likely an IP literal.
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

// TLSConnectionState returns TLS details if TLS is enabled, and nil
// otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if c.dlg == nil {
		return nil
	}
	return c.dlg.Conn().TLSConnectionState()
}

// RemoteHost returns the host name given to Connect, as kept for SNI.
func (c *Client) RemoteHost() dns.Domain {
	return c.remoteHost
}

// Capabilities returns the extensions from the last EHLO exchange. Nil after
// a HELO fallback and after STARTTLS, until the next Ehlo.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used
// further.
func (c *Client) Botched() bool {
	return c.botched || c.dlg == nil
}

// xbotchf generates a temporary error and marks the client as botched. e.g.
// for i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, secode, cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, firstLine, moreLines, format, args...))
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

func (c *Client) xwritelinef(format string, args ...any) {
	if err := c.dlg.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
}

func (c *Client) readline() (string, error) {
	line, err := c.dlg.ReadLine()
	if err != nil {
		return line, c.botchf(0, "", "", nil, "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return line, nil
}

// read response, possibly multiline.
func (c *Client) read() (rep Reply, secode, firstLine string, moreLines []string, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := c.read1(c.extEcodes)
		if first {
			firstLine = line
			first = false
		} else if line != "" {
			moreLines = append(moreLines, line)
		}
		if err != nil {
			rerr = err
			return
		}
		if rep.Code != 0 && co != rep.Code {
			err := c.botchf(0, "", firstLine, moreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, rep.Code, co)
			return Reply{}, "", "", nil, err
		}
		rep.Code = co
		rep.Lines = append(rep.Lines, text)
		secode = sec
		if last {
			if rep.Code != smtp.C334ContinueAuth {
				cmd := ""
				if len(c.cmds) > 0 {
					cmd = c.cmds[0]
					// We only keep the last, so we're not creating new slices
					// all the time.
					if len(c.cmds) > 1 {
						c.cmds = c.cmds[1:]
					}
				}
				metrics.CommandObserve("smtp", cmd, strconv.Itoa(co), c.cmdStart)
				c.log.Debug("smtpclient command result",
					slog.String("cmd", cmd),
					slog.Int("code", co),
					slog.String("secode", sec),
					slog.Duration("duration", time.Since(c.cmdStart)))
			}
			return rep, secode, firstLine, moreLines, nil
		}
	}
}

func (c *Client) xread() (rep Reply, secode, firstLine string, moreLines []string) {
	var err error
	rep, secode, firstLine, moreLines, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

// read single response line.
// if ecodes, extended codes are parsed from the text.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space after the code.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

// ReadGreeting reads the initial server greeting and requires it to be a
// 220. Any other status means the connection was rejected, and an Error
// wrapping ErrGreeting is returned.
func (c *Client) ReadGreeting() (rep Reply, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	rep, secode, firstLine, moreLines := c.xread()
	if rep.Code != smtp.C220ServiceReady {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: expected 220, got %d", ErrGreeting, rep.Code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")
	return rep, nil
}

func (c *Client) ehloHostname() dns.Domain {
	if !c.opts.EhloHostname.IsZero() {
		return c.opts.EhloHostname
	}
	if name, err := os.Hostname(); err == nil {
		if d, err := dns.ParseDomain(name); err == nil {
			return d
		}
	}
	return dns.Domain{ASCII: "localhost"}
}

// Ehlo identifies the client to the server with EHLO, parsing the announced
// extensions. If the server doesn't appear to implement EHLO, a single HELO
// is tried; if that is also rejected, an Error wrapping ErrHello is returned
// and the capabilities are cleared. domain is the name to identify as; if
// zero, Options.EhloHostname or the local hostname is used, falling back to
// "localhost".
func (c *Client) Ehlo(domain dns.Domain) (rep Reply, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	if domain.IsZero() {
		domain = c.ehloHostname()
	}

	c.cmds[0] = "ehlo"
	c.cmdStart = time.Now()
	c.xwritelinef("EHLO %s", domain.ASCII)
	rep, secode, firstLine, moreLines := c.xread()
	if !rep.IsPositiveCompletion() {
		// Fall back to HELO once.
		c.caps = nil
		c.extEcodes = false
		c.cmds[0] = "helo"
		c.cmdStart = time.Now()
		c.xwritelinef("HELO %s", domain.ASCII)
		rep, secode, firstLine, moreLines = c.xread()
		if !rep.IsPositiveCompletion() {
			c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d", ErrHello, rep.Code)
		}
		return rep, nil
	}

	// First line is the server greeting, the rest are the extensions. The
	// keyword is stored uppercased, the parameter tokens as announced.
	caps := Capabilities{}
	for _, s := range rep.Lines[1:] {
		t := strings.Fields(strings.TrimSpace(s))
		if len(t) == 0 {
			continue
		}
		key := strings.ToUpper(t[0])
		caps[key] = append(caps[key], t[1:]...)
	}
	c.caps = caps
	c.extEcodes = caps.Supports("ENHANCEDSTATUSCODES")
	return rep, nil
}

// StartTLS sends the STARTTLS command and upgrades the connection to TLS,
// keeping the dialog's line-length ceiling and timeout. The capability set
// is stale afterwards and cleared; callers must do Ehlo again. sni overrides
// the server name for SNI and verification; if empty, the host from Connect
// is used.
func (c *Client) StartTLS(ctx context.Context, sni string) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmds[0] = "starttls"
	c.cmdStart = time.Now()
	c.xwritelinef("STARTTLS")
	rep, secode, firstLine, moreLines := c.xread()
	if rep.Code != smtp.C220ServiceReady {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: STARTTLS: got %d, expected 220", ErrTLS, rep.Code)
	}

	if sni == "" {
		sni = c.remoteHost.ASCII
	}
	if err := c.dlg.StartTLS(ctx, c.tlsConfig, sni); err != nil {
		c.xbotchf(0, "", "", nil, "%w: STARTTLS TLS handshake: %v", ErrTLS, err)
	}
	c.caps = nil
	c.extEcodes = false
	c.log.Debug("starttls client handshake done", slog.String("servername", sni))
	return nil
}

// Hello runs the connection start sequence: it reads the greeting,
// identifies with Ehlo, and with TLSMode TLSSTARTTLS and AutoSTARTTLS
// upgrades the connection when the server announces STARTTLS, doing Ehlo
// again afterwards.
func (c *Client) Hello(ctx context.Context, domain dns.Domain) (rerr error) {
	if _, err := c.ReadGreeting(); err != nil {
		return err
	}
	if _, err := c.Ehlo(domain); err != nil {
		return err
	}
	if c.opts.TLSMode == dialog.TLSSTARTTLS && c.opts.AutoSTARTTLS && !c.IsTLS() && c.caps.Supports("STARTTLS") {
		if err := c.StartTLS(ctx, ""); err != nil {
			return err
		}
		if _, err := c.Ehlo(domain); err != nil {
			return err
		}
	}
	return nil
}

// Authenticate authenticates with the given method (AuthPlain or
// AuthLogin). The auth policy is consulted before any credentials are
// written: without TLS and without explicit permission for cleartext
// authentication, dialog.ErrTLSRequired is returned and nothing is sent.
//
// A negative server response results in an Error wrapping ErrAuth.
func (c *Client) Authenticate(username, password string, method AuthMethod) (rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	var a sasl.Client
	switch method {
	case AuthPlain:
		a = sasl.NewClientPlain(username, password)
	case AuthLogin:
		a = sasl.NewClientLogin(username, password)
	default:
		return fmt.Errorf("unknown auth method %q", method)
	}
	return c.auth(a)
}

func (c *Client) auth(a sasl.Client) (rerr error) {
	defer c.recover(&rerr)

	if err := c.opts.Policy.Check(c.log, c.IsTLS()); err != nil {
		return err
	}

	c.cmds[0] = "auth"
	c.cmdStart = time.Now()

	name, cleartextCreds := a.Info()

	toserver, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "", nil, "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartextCreds {
		defer c.dlg.Trace(mlog.LevelTraceauth)()
	}
	if toserver == nil {
		c.xwritelinef("AUTH %s", name)
	} else if len(toserver) == 0 {
		c.xwritelinef("AUTH %s =", name)
	} else {
		c.xwritelinef("AUTH %s %s", name, base64.StdEncoding.EncodeToString(toserver))
	}
	resent := false
	for {
		rep, secode, firstLine, moreLines := c.xread()
		switch {
		case rep.IsPositiveCompletion():
			if !last {
				c.xerrorf(false, rep.Code, secode, firstLine, moreLines, "server completed authentication earlier than client expected")
			}
			return nil
		case rep.Code == smtp.C334ContinueAuth:
			if last {
				// Some servers ask for the initial response again even
				// though it went with the AUTH command. Resend it once.
				if resent || toserver == nil {
					c.xerrorf(false, rep.Code, secode, firstLine, moreLines, "server requested unexpected continuation of authentication")
				}
				resent = true
				c.xwritelinef("%s", base64.StdEncoding.EncodeToString(toserver))
				continue
			}
			fromserver, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rep.Lines[len(rep.Lines)-1]))
			if err != nil {
				c.xerrorf(false, rep.Code, secode, firstLine, moreLines, "malformed base64 data in authentication continuation response")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				c.xerrorf(false, rep.Code, secode, firstLine, moreLines, "client aborted authentication: %w", err)
			}
			c.xwritelinef("%s", base64.StdEncoding.EncodeToString(toserver))
		default:
			c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 334 continue or 2xx auth success", ErrAuth, rep.Code)
		}
	}
}

// gatherRecipients returns the union of the message's To, Cc and Bcc
// addresses, deduplicated case-insensitively on the full address, keeping
// the first-seen casing.
func gatherRecipients(msg Message) []string {
	var l []string
	seen := map[string]bool{}
	for _, addrs := range [][]string{msg.Recipients(), msg.CcRecipients(), msg.BccRecipients()} {
		for _, a := range addrs {
			k := strings.ToLower(a)
			if a == "" || seen[k] {
				continue
			}
			seen[k] = true
			l = append(l, a)
		}
	}
	return l
}

// Send submits a message: MAIL FROM, one RCPT TO per recipient, DATA, the
// dot-stuffed message without its Bcc header, and the end-of-data line.
//
// The envelope sender is env.MailFrom if set, otherwise the message's Sender
// header, otherwise its first From address. The envelope recipients are
// env.RcptTo if set, otherwise the union of To, Cc and Bcc, deduplicated
// case-insensitively. An empty sender or recipient list aborts before
// anything is written.
//
// On failure the transaction is not rolled back; the caller chooses to Rset,
// Quit or abandon the session.
func (c *Client) Send(msg Message, env *Envelope) (rep Reply, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	var mailFrom string
	var rcptTo []string
	if env != nil {
		mailFrom = env.MailFrom
		rcptTo = env.RcptTo
	}
	if mailFrom == "" {
		mailFrom = msg.Sender()
	}
	if mailFrom == "" {
		if from := msg.From(); len(from) > 0 {
			mailFrom = from[0]
		}
	}
	if mailFrom == "" {
		return Reply{}, ErrNoSender
	}
	if len(rcptTo) == 0 {
		rcptTo = gatherRecipients(msg)
	}
	if len(rcptTo) == 0 {
		return Reply{}, ErrNoRecipients
	}

	if c.needRset {
		if err := c.Rset(); err != nil {
			return Reply{}, err
		}
	}

	// We are going into a transaction. We'll clear this when done.
	c.needRset = true

	c.cmds[0] = "mailfrom"
	c.cmdStart = time.Now()
	c.xwritelinef("MAIL FROM:<%s>", mailFrom)
	rep, secode, firstLine, moreLines := c.xread()
	if !rep.IsPositiveCompletion() {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, rep.Code)
	}

	for _, rcpt := range rcptTo {
		c.cmds[0] = "rcptto"
		c.cmdStart = time.Now()
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		rep, secode, firstLine, moreLines = c.xread()
		if !rep.IsPositiveCompletion() {
			c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, rep.Code)
		}
	}

	c.cmds[0] = "data"
	c.cmdStart = time.Now()
	c.xwritelinef("DATA")
	rep, secode, firstLine, moreLines = c.xread()
	if !rep.IsPositiveIntermediate() {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 354", ErrStatus, rep.Code)
	}

	// Serialize without the Bcc header; dot stuffing and the ending
	// ".\r\n" are added while writing.
	var b bytes.Buffer
	if err := msg.WriteTo(&b, FormatOptions{AddBccHeader: false}); err != nil {
		c.xbotchf(0, "", "", nil, "formatting message: %w", err)
	}
	restore := c.dlg.Trace(mlog.LevelTracedata)
	err := smtp.DataWrite(c.dlg.Writer(), &b)
	restore()
	if err != nil {
		c.xbotchf(0, "", "", nil, "writing message as smtp data: %w", err)
	}
	rep, secode, firstLine, moreLines = c.xread()
	if !rep.IsPositiveCompletion() {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, rep.Code)
	}

	c.needRset = false
	return rep, nil
}

func (c *Client) roundtrip(cmd, line string) (rep Reply, rerr error) {
	defer c.recover(&rerr)
	c.xcheckOpen()

	c.cmds[0] = cmd
	c.cmdStart = time.Now()
	c.xwritelinef("%s", line)
	rep, secode, firstLine, moreLines := c.xread()
	if !rep.IsPositiveCompletion() {
		c.xerrorf(rep.Code/100 == 5, rep.Code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, rep.Code)
	}
	return rep, nil
}

// Noop sends a NOOP.
func (c *Client) Noop() (Reply, error) {
	return c.roundtrip("noop", "NOOP")
}

// Rset aborts the current message transaction.
func (c *Client) Rset() error {
	_, err := c.roundtrip("rset", "RSET")
	if err == nil {
		c.needRset = false
	}
	return err
}

// Quit sends a QUIT, ending the session. The connection is still to be
// released with Close.
func (c *Client) Quit() (Reply, error) {
	return c.roundtrip("quit", "QUIT")
}

// Close releases the connection. If the session is usable, a QUIT is
// attempted first, with its response read on a short timeout.
func (c *Client) Close() (rerr error) {
	if c.dlg == nil {
		return ErrClosed
	}

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		if err := c.dlg.WriteLine("QUIT"); err == nil {
			if err := c.dlg.Conn().SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.log.Infox("setting read deadline for reading quit response", err)
			} else if _, err := c.dlg.ReadLine(); err != nil {
				rerr = fmt.Errorf("reading response to quit command: %v", err)
				c.log.Debugx("reading quit response", err)
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
