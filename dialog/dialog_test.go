package dialog

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/sguinebert/mailio/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func newPipe(t *testing.T, maxLine int, timeout time.Duration) (*Dialog, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	d := New(NewConn(clientConn), maxLine, timeout, mlog.New("dialog", nil))
	return d, serverConn
}

func TestWriteLineNormalization(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello\r\n"},
		{"hello\n", "hello\r\n"},
		{"hello\r", "hello\r\n"},
		{"hello\r\n", "hello\r\n"},
		{"", "\r\n"},
	}
	for _, tc := range tests {
		d, server := newPipe(t, 0, 0)
		go func() {
			err := d.WriteLine(tc.in)
			tcheck(t, err, "write line")
		}()
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		tcheck(t, err, "read")
		if got := string(buf[:n]); got != tc.want {
			t.Fatalf("writeline %q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReadLine(t *testing.T) {
	d, server := newPipe(t, 0, 0)
	go func() {
		server.Write([]byte("first\r\nsecond\nthird"))
		server.Close()
	}()
	line, err := d.ReadLine()
	tcheck(t, err, "read first line")
	if line != "first" {
		t.Fatalf("got %q, want %q", line, "first")
	}
	// Excess bytes beyond the first newline must have been retained.
	line, err = d.ReadLine()
	tcheck(t, err, "read second line")
	if line != "second" {
		t.Fatalf("got %q, want %q", line, "second")
	}
	// EOF before a newline.
	if _, err := d.ReadLine(); err == nil {
		t.Fatalf("expected error for unterminated line")
	}
}

func TestReadLineLimit(t *testing.T) {
	// A line of exactly the ceiling must work, one more byte must not.
	for _, tc := range []struct {
		line string
		ok   bool
	}{
		{"12345678\r\n", true},
		{"123456789\r\n", false},
		{"12345678\n", true},
		{"123456789\n", false},
	} {
		d, server := newPipe(t, 8, 0)
		go server.Write([]byte(tc.line))
		line, err := d.ReadLine()
		if tc.ok {
			tcheck(t, err, "read line at limit")
			if len(line) != 8 {
				t.Fatalf("got %d bytes, want 8", len(line))
			}
		} else if !errors.Is(err, ErrLineTooLong) {
			t.Fatalf("got err %v, want ErrLineTooLong", err)
		}
	}
}

func TestReadExactly(t *testing.T) {
	d, server := newPipe(t, 0, 0)
	go server.Write([]byte("greet\r\nHello World)\r\n"))
	line, err := d.ReadLine()
	tcheck(t, err, "read line")
	if line != "greet" {
		t.Fatalf("got %q, want %q", line, "greet")
	}
	// Buffered bytes must be consumed before reading from the connection.
	buf, err := d.ReadExactly(11)
	tcheck(t, err, "read exactly")
	if string(buf) != "Hello World" {
		t.Fatalf("got %q, want %q", buf, "Hello World")
	}
	line, err = d.ReadLine()
	tcheck(t, err, "read rest of line")
	if line != ")" {
		t.Fatalf("got %q, want %q", line, ")")
	}

	// A zero-length read must not touch the connection.
	buf, err = d.ReadExactly(0)
	tcheck(t, err, "read zero bytes")
	if len(buf) != 0 {
		t.Fatalf("got %d bytes, want 0", len(buf))
	}
}

func TestTimeout(t *testing.T) {
	d, _ := newPipe(t, 0, 50*time.Millisecond)
	_, err := d.ReadLine()
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got err %v, want ErrTimedOut", err)
	}
}

func TestPolicy(t *testing.T) {
	log := mlog.New("dialog", nil)
	tests := []struct {
		policy Policy
		isTLS  bool
		ok     bool
	}{
		{Policy{}, false, true},
		{Policy{RequireTLSForAuth: true}, true, true},
		{Policy{RequireTLSForAuth: true}, false, false},
		{Policy{RequireTLSForAuth: true, AllowCleartextAuth: true}, false, true},
	}
	for i, tc := range tests {
		err := tc.policy.Check(log, tc.isTLS)
		if tc.ok && err != nil {
			t.Fatalf("test %d: unexpected error %v", i, err)
		} else if !tc.ok && !errors.Is(err, ErrTLSRequired) {
			t.Fatalf("test %d: got err %v, want ErrTLSRequired", i, err)
		}
	}
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
	cert := fakeCert(t, "mail.mox.example")
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)

	d, server := newPipe(t, 0, 0)
	done := make(chan error, 1)
	go func() {
		// Server sends a line pipelined with the TLS upgrade point, then
		// performs its half of the handshake and echoes one line.
		if _, err := server.Write([]byte("ready\r\n")); err != nil {
			done <- err
			return
		}
		tlsConn := tls.Server(server, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 64)
		n, err := tlsConn.Read(buf)
		if err != nil {
			done <- err
			return
		}
		_, err = tlsConn.Write(buf[:n])
		done <- err
	}()

	line, err := d.ReadLine()
	tcheck(t, err, "read greeting")
	if line != "ready" {
		t.Fatalf("got %q, want %q", line, "ready")
	}
	if d.IsTLS() {
		t.Fatalf("tls active before handshake")
	}

	err = d.StartTLS(context.Background(), &tls.Config{RootCAs: roots}, "mail.mox.example")
	tcheck(t, err, "start tls")
	if !d.IsTLS() {
		t.Fatalf("tls not active after handshake")
	}

	err = d.WriteLine("ping")
	tcheck(t, err, "write over tls")
	line, err = d.ReadLine()
	tcheck(t, err, "read over tls")
	if line != "ping" {
		t.Fatalf("got %q, want %q", line, "ping")
	}
	tcheck(t, <-done, "server")

	// Upgrading again is a no-op.
	err = d.StartTLS(context.Background(), &tls.Config{}, "")
	tcheck(t, err, "second start tls")
}
