// Package dialog implements the line-oriented transport shared by the SMTP,
// POP3 and IMAP clients: a connection that can be upgraded to TLS in place,
// buffered line reads with a line-length ceiling, exact-length reads for IMAP
// literals, CRLF-normalized writes, per-operation timeouts, protocol trace
// logging, and the policy check for cleartext authentication.
package dialog

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Conn is a connection that is either a plain TCP connection or a TLS
// connection wrapping that same TCP connection. It keeps its identity across
// the upgrade: readers and writers holding a *Conn keep working after
// StartTLS.
type Conn struct {
	// The underlying (TCP) connection. Kept also after the TLS upgrade: we
	// close sock instead of the TLS connection because closing the TLS
	// connection sends a close notification that may block when the server
	// isn't reading.
	sock net.Conn

	// Non-nil after a successful handshake, wrapping sock.
	tls *tls.Conn
}

// NewConn returns a Conn in the plain variant.
func NewConn(c net.Conn) *Conn {
	return &Conn{sock: c}
}

func (c *Conn) active() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.sock
}

// IsTLS returns whether the TLS variant is active.
func (c *Conn) IsTLS() bool {
	return c.tls != nil
}

// TLSConnectionState returns TLS details if TLS is active, and nil otherwise.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	if c.tls == nil {
		return nil
	}
	cs := c.tls.ConnectionState()
	return &cs
}

func (c *Conn) Read(buf []byte) (int, error) {
	return c.active().Read(buf)
}

func (c *Conn) Write(buf []byte) (int, error) {
	return c.active().Write(buf)
}

func (c *Conn) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.sock.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.sock.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.sock.SetWriteDeadline(t)
}

// Close closes the underlying connection. If TLS was active, the TLS
// connection is closed after the socket, so its close notification cannot
// block.
func (c *Conn) Close() error {
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	if c.tls != nil {
		c.tls.Close()
		c.tls = nil
	}
	c.sock = nil
	return err
}

// StartTLS upgrades the connection to TLS. It is a no-op when TLS is already
// active. The given config is cloned and its ServerName set to sni when sni
// is non-empty and the config doesn't name one. Bytes already read from the
// socket but not yet consumed can be supplied in prefix; they are replayed
// into the handshake. All prior I/O must have completed.
//
// On handshake failure the plain variant stays active, but the protocol
// session on top of it must be considered unusable: the server may already
// have switched to TLS framing.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config, sni string, prefix io.Reader) error {
	if c.tls != nil {
		return nil
	}
	config = config.Clone()
	if sni != "" && config.ServerName == "" {
		config.ServerName = sni
	}
	conn := c.sock
	if prefix != nil {
		conn = &prefixConn{prefix, conn}
	}
	tlsconn := tls.Client(conn, config)
	if err := tlsconn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.tls = tlsconn
	return nil
}

// prefixConn is a net.Conn prefixed with a reader that is first drained.
// Used for STARTTLS where we already did a buffered read of initial TLS
// data.
type prefixConn struct {
	prefixReader io.Reader // If not nil, reads are fulfilled from here. It is cleared when a read returns io.EOF.
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if c.prefixReader != nil {
		n, err := c.prefixReader.Read(buf)
		if err == io.EOF {
			c.prefixReader = nil
		}
		return n, err
	}
	return c.Conn.Read(buf)
}
