package smtpclient

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sguinebert/mailio/dialog"
	"github.com/sguinebert/mailio/dns"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

type pipeDialer struct {
	conn net.Conn
}

func (d pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.conn, nil
}

// server is a scripted fake SMTP server on the other end of a pipe.
type server struct {
	t  *testing.T
	br *bufio.Reader
	c  net.Conn
}

func newServer(t *testing.T, conn net.Conn) *server {
	return &server{t, bufio.NewReader(conn), conn}
}

func (s *server) readline() string {
	s.t.Helper()
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Errorf("server read: %s", err)
		return ""
	}
	return strings.TrimSuffix(line, "\r\n")
}

func (s *server) expect(line string) {
	s.t.Helper()
	if got := s.readline(); !strings.EqualFold(got, line) {
		s.t.Errorf("server got %q, expected %q", got, line)
	}
}

func (s *server) expectPrefix(prefix string) string {
	s.t.Helper()
	got := s.readline()
	if !strings.HasPrefix(strings.ToLower(got), strings.ToLower(prefix)) {
		s.t.Errorf("server got %q, expected prefix %q", got, prefix)
	}
	return got[len(prefix):]
}

func (s *server) writeline(line string) {
	fmt.Fprintf(s.c, "%s\r\n", line)
}

func newTestClient(t *testing.T, opts Options) (*Client, *server) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	opts.Dialer = pipeDialer{clientConn}
	if opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c, err := New(opts)
	tcheck(t, err, "new client")
	err = c.Connect(context.Background(), "mox.example", 587)
	tcheck(t, err, "connect")
	return c, newServer(t, serverConn)
}

func TestGreeting(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go srv.writeline("220 smtp.example.com ESMTP")

	rep, err := c.ReadGreeting()
	tcheck(t, err, "read greeting")
	want := Reply{Code: 220, Lines: []string{"smtp.example.com ESMTP"}}
	if !reflect.DeepEqual(rep, want) {
		t.Fatalf("got %#v, want %#v", rep, want)
	}
}

func TestGreetingRejected(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go srv.writeline("554 go away")

	_, err := c.ReadGreeting()
	if !errors.Is(err, ErrGreeting) {
		t.Fatalf("got err %v, want ErrGreeting", err)
	}
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || cerr.Code != 554 {
		t.Fatalf("got %#v, want permanent 554", cerr)
	}
}

func TestEhlo(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO client.local")
		srv.writeline("250-smtp.example.com")
		srv.writeline("250-SIZE 35882577")
		srv.writeline("250-AUTH LOGIN PLAIN")
		srv.writeline("250 STARTTLS")
	}()

	_, err := c.Ehlo(dns.Domain{ASCII: "client.local"})
	tcheck(t, err, "ehlo")
	caps := c.Capabilities()
	if !reflect.DeepEqual(caps.Params("SIZE"), []string{"35882577"}) {
		t.Fatalf("got SIZE %v, want [35882577]", caps.Params("SIZE"))
	}
	if !reflect.DeepEqual(caps.Params("AUTH"), []string{"LOGIN", "PLAIN"}) {
		t.Fatalf("got AUTH %v, want [LOGIN PLAIN]", caps.Params("AUTH"))
	}
	if !caps.Supports("starttls") || len(caps.Params("STARTTLS")) != 0 {
		t.Fatalf("got STARTTLS %v, want announced without parameters", caps.Params("STARTTLS"))
	}
}

func TestEhloMixedCase(t *testing.T) {
	// The keyword is case-insensitive and stored uppercased, the parameter
	// tokens are kept as the server announced them.
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("250-smtp.example.com")
		srv.writeline("250-auth Login Plain")
		srv.writeline("250 size 35882577")
	}()

	_, err := c.Ehlo(dns.Domain{})
	tcheck(t, err, "ehlo")
	caps := c.Capabilities()
	if !caps.Supports("AUTH") || !caps.Supports("auth") {
		t.Fatalf("auth keyword not case-insensitive: %v", caps)
	}
	if !reflect.DeepEqual(caps.Params("auth"), []string{"Login", "Plain"}) {
		t.Fatalf("got AUTH params %v, want [Login Plain] as announced", caps.Params("auth"))
	}
	if !reflect.DeepEqual(caps.Params("Size"), []string{"35882577"}) {
		t.Fatalf("got SIZE params %v", caps.Params("Size"))
	}
}

func TestEhloSingleLine(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("250 smtp.example.com")
	}()

	_, err := c.Ehlo(dns.Domain{})
	tcheck(t, err, "ehlo")
	if caps := c.Capabilities(); len(caps) != 0 {
		t.Fatalf("got capabilities %v, want none", caps)
	}
}

func TestHeloFallback(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("500 unrecognized command")
		srv.expectPrefix("HELO ")
		srv.writeline("250 smtp.example.com")
	}()

	_, err := c.Ehlo(dns.Domain{})
	tcheck(t, err, "ehlo with helo fallback")
	if c.Capabilities() != nil {
		t.Fatalf("got capabilities %v, want none after helo", c.Capabilities())
	}
}

func TestHelloRejected(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("500 no")
		srv.expectPrefix("HELO ")
		srv.writeline("502 still no")
	}()

	_, err := c.Ehlo(dns.Domain{})
	if !errors.Is(err, ErrHello) {
		t.Fatalf("got err %v, want ErrHello", err)
	}
	if c.Capabilities() != nil {
		t.Fatalf("capabilities not cleared after rejection")
	}
}

func TestReplyMismatchedCodes(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("250-smtp.example.com")
		srv.writeline("251 oops")
	}()

	_, err := c.Ehlo(dns.Domain{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, want ErrProtocol", err)
	}
	if !c.Botched() {
		t.Fatalf("connection not botched after protocol error")
	}
}

func TestReplyMalformed(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go srv.writeline("2x0 bogus")

	_, err := c.ReadGreeting()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, want ErrProtocol", err)
	}
}

func TestAuthLogin(t *testing.T) {
	c, srv := newTestClient(t, Options{Policy: dialog.Policy{RequireTLSForAuth: true, AllowCleartextAuth: true}})
	go func() {
		srv.expect("AUTH LOGIN")
		srv.writeline("334 VXNlcm5hbWU6")
		srv.expect("dXNlcg==")
		srv.writeline("334 UGFzc3dvcmQ6")
		srv.expect("cGFzcw==")
		srv.writeline("235 2.7.0 authenticated")
	}()

	err := c.Authenticate("user", "pass", AuthLogin)
	tcheck(t, err, "auth login")
}

func TestAuthPlain(t *testing.T) {
	c, srv := newTestClient(t, Options{Policy: dialog.Policy{AllowCleartextAuth: true}})
	go func() {
		srv.expect("AUTH PLAIN AHVzZXIAcGFzcw==")
		srv.writeline("235 2.7.0 authenticated")
	}()

	err := c.Authenticate("user", "pass", AuthPlain)
	tcheck(t, err, "auth plain")
}

func TestAuthPlainContinuation(t *testing.T) {
	// Some servers answer the initial response with a 334; the blob is then
	// sent again on its own.
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expect("AUTH PLAIN AHVzZXIAcGFzcw==")
		srv.writeline("334 ")
		srv.expect("AHVzZXIAcGFzcw==")
		srv.writeline("235 ok")
	}()

	err := c.Authenticate("user", "pass", AuthPlain)
	tcheck(t, err, "auth plain with continuation")
}

func TestAuthRejected(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("AUTH PLAIN ")
		srv.writeline("535 5.7.8 bad credentials")
	}()

	err := c.Authenticate("user", "wrong", AuthPlain)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("got err %v, want ErrAuth", err)
	}
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || cerr.Code != 535 {
		t.Fatalf("got %#v, want permanent 535", cerr)
	}
}

func TestAuthPolicyRefusal(t *testing.T) {
	// Cleartext credentials without TLS and without explicit permission must
	// be refused before anything is written to the server.
	c, srv := newTestClient(t, Options{Policy: dialog.Policy{RequireTLSForAuth: true}})
	go func() {
		if _, err := srv.br.ReadByte(); err == nil {
			t.Errorf("server unexpectedly received data")
		}
	}()

	err := c.Authenticate("user", "pass", AuthPlain)
	if !errors.Is(err, dialog.ErrTLSRequired) {
		t.Fatalf("got err %v, want ErrTLSRequired", err)
	}
}

// testMsg is a Message for tests, with fixed addresses and body.
type testMsg struct {
	sender       string
	from, to     []string
	cc, bcc      []string
	header, body string
}

func (m testMsg) Sender() string         { return m.sender }
func (m testMsg) From() []string         { return m.from }
func (m testMsg) Recipients() []string   { return m.to }
func (m testMsg) CcRecipients() []string { return m.cc }
func (m testMsg) BccRecipients() []string {
	return m.bcc
}

func (m testMsg) WriteTo(w io.Writer, opts FormatOptions) error {
	header := m.header
	if opts.AddBccHeader && len(m.bcc) > 0 {
		header += "Bcc: " + strings.Join(m.bcc, ", ") + "\r\n"
	}
	_, err := fmt.Fprintf(w, "%s\r\n%s", header, m.body)
	return err
}

func TestSend(t *testing.T) {
	msg := testMsg{
		from:   []string{"alice@mox.example"},
		to:     []string{"Bob@mox.example"},
		cc:     []string{"bob@MOX.example", "carol@mox.example"},
		bcc:    []string{"dave@mox.example"},
		header: "Subject: hi\r\n",
		body:   ".dotline\r\nregular line\r\n",
	}

	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expect("MAIL FROM:<alice@mox.example>")
		srv.writeline("250 ok")
		// Recipients are the union of To, Cc and Bcc, deduplicated
		// case-insensitively with the first casing kept.
		srv.expect("RCPT TO:<Bob@mox.example>")
		srv.writeline("250 ok")
		srv.expect("RCPT TO:<carol@mox.example>")
		srv.writeline("250 ok")
		srv.expect("RCPT TO:<dave@mox.example>")
		srv.writeline("250 ok")
		srv.expect("DATA")
		srv.writeline("354 go ahead")
		var lines []string
		for {
			line := srv.readline()
			if line == "." {
				break
			}
			lines = append(lines, line)
		}
		data := strings.Join(lines, "\r\n")
		if !strings.Contains(data, "..dotline") {
			t.Errorf("data %q lacks dot stuffing", data)
		}
		if strings.Contains(strings.ToLower(data), "bcc:") {
			t.Errorf("data %q contains bcc header", data)
		}
		srv.writeline("250 2.0.0 queued")
	}()

	rep, err := c.Send(msg, nil)
	tcheck(t, err, "send")
	if rep.Code != 250 {
		t.Fatalf("got %d, want 250", rep.Code)
	}
}

func TestSendEnvelopeOverride(t *testing.T) {
	msg := testMsg{
		sender: "sender@mox.example",
		from:   []string{"alice@mox.example"},
		to:     []string{"bob@mox.example"},
		header: "Subject: hi\r\n",
		body:   "hello\r\n",
	}

	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expect("MAIL FROM:<env@mox.example>")
		srv.writeline("250 ok")
		srv.expect("RCPT TO:<rcpt@mox.example>")
		srv.writeline("250 ok")
		srv.expect("DATA")
		srv.writeline("354 go ahead")
		for srv.readline() != "." {
		}
		srv.writeline("250 ok")
	}()

	_, err := c.Send(msg, &Envelope{MailFrom: "env@mox.example", RcptTo: []string{"rcpt@mox.example"}})
	tcheck(t, err, "send with envelope")
}

func TestSendNoAddresses(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	_, err := c.Send(testMsg{to: []string{"bob@mox.example"}}, nil)
	if !errors.Is(err, ErrNoSender) {
		t.Fatalf("got err %v, want ErrNoSender", err)
	}
	_, err = c.Send(testMsg{from: []string{"alice@mox.example"}}, nil)
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("got err %v, want ErrNoRecipients", err)
	}
}

func TestSendRcptRejected(t *testing.T) {
	msg := testMsg{
		from:   []string{"alice@mox.example"},
		to:     []string{"bob@mox.example"},
		header: "Subject: hi\r\n",
		body:   "hello\r\n",
	}

	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expectPrefix("MAIL FROM:")
		srv.writeline("250 ok")
		srv.expectPrefix("RCPT TO:")
		srv.writeline("550 5.1.1 no such user")
	}()

	_, err := c.Send(msg, nil)
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || cerr.Code != 550 || cerr.Command != "rcptto" {
		t.Fatalf("got %v, want permanent 550 on rcptto", err)
	}
	if c.Botched() {
		t.Fatalf("command failure must not botch the connection")
	}
}

func TestRoundtrips(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	go func() {
		srv.expect("NOOP")
		srv.writeline("250 ok")
		srv.expect("RSET")
		srv.writeline("250 flushed")
		srv.expect("QUIT")
		srv.writeline("221 bye")
	}()

	_, err := c.Noop()
	tcheck(t, err, "noop")
	tcheck(t, c.Rset(), "rset")
	_, err = c.Quit()
	tcheck(t, err, "quit")
}

// fakeCert returns a self-signed certificate for the given host name.
func fakeCert(t *testing.T, name string) tls.Certificate {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	tcheck(t, err, "generating key")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	tcheck(t, err, "creating certificate")
	cert, err := x509.ParseCertificate(localCertBuf)
	tcheck(t, err, "parsing certificate")
	return tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

func TestStartTLS(t *testing.T) {
	cert := fakeCert(t, "mox.example")
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)

	c, srv := newTestClient(t, Options{TLSConfig: &tls.Config{RootCAs: roots}})
	go func() {
		srv.expectPrefix("EHLO ")
		srv.writeline("250-smtp.example.com")
		srv.writeline("250 STARTTLS")
		srv.expect("STARTTLS")
		srv.writeline("220 go ahead")

		tlsConn := tls.Server(srv.c, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			t.Errorf("server handshake: %s", err)
			return
		}
		tsrv := newServer(t, tlsConn)
		tsrv.expectPrefix("EHLO ")
		tsrv.writeline("250 smtp.example.com")
	}()

	_, err := c.Ehlo(dns.Domain{})
	tcheck(t, err, "ehlo")
	if !c.Capabilities().Supports("STARTTLS") {
		t.Fatalf("starttls not announced")
	}

	err = c.StartTLS(context.Background(), "")
	tcheck(t, err, "starttls")
	if !c.IsTLS() {
		t.Fatalf("not tls after starttls")
	}
	if c.RemoteHost() != (dns.Domain{ASCII: "mox.example"}) {
		t.Fatalf("remote host changed by starttls: %v", c.RemoteHost())
	}
	if c.Capabilities() != nil {
		t.Fatalf("capabilities not stale after starttls")
	}

	_, err = c.Ehlo(dns.Domain{})
	tcheck(t, err, "ehlo after starttls")
}
