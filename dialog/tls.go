package dialog

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// TLSMode indicates if and how TLS is used on a connection.
type TLSMode string

const (
	// No TLS. Whether credentials may be submitted is decided by the auth
	// policy, see Policy.
	TLSNone TLSMode = "none"

	// Plain TCP first, upgraded in-protocol with STARTTLS (SMTP, IMAP) or
	// STLS (POP3).
	TLSSTARTTLS TLSMode = "starttls"

	// TLS immediately on the TCP connection ("implicit TLS"), before the
	// server greeting is read.
	TLSImmediate TLSMode = "implicit"
)

// TLSOptions describes how to build a TLS client config for connecting to a
// mail server, for callers that don't bring their own *tls.Config.
type TLSOptions struct {
	// Use the system certificate pool as verification roots. Additional CA
	// files and directories are added to it.
	UseDefaultRoots bool

	CAFiles []string // PEM files with additional root certificates.
	CAPaths []string // Directories scanned for *.pem root certificates.

	// Skip verification of the server certificate and host name. For testing
	// against servers with self-signed certificates.
	InsecureSkipVerify bool
}

// Config builds a *tls.Config. The server name for verification and SNI is
// set later, by Conn.StartTLS or by the protocol client dialing with
// implicit TLS.
func (o TLSOptions) Config() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
	if !o.UseDefaultRoots && len(o.CAFiles) == 0 && len(o.CAPaths) == 0 {
		return config, nil
	}

	var pool *x509.CertPool
	if o.UseDefaultRoots {
		p, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("system cert pool: %w", err)
		}
		pool = p
	} else {
		pool = x509.NewCertPool()
	}
	addPEM := func(path string) error {
		buf, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(buf) {
			return fmt.Errorf("no certificates found in %s", path)
		}
		return nil
	}
	for _, p := range o.CAFiles {
		if err := addPEM(p); err != nil {
			return nil, err
		}
	}
	for _, dir := range o.CAPaths {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
		if err != nil {
			return nil, fmt.Errorf("listing ca path: %w", err)
		}
		for _, p := range matches {
			if err := addPEM(p); err != nil {
				return nil, err
			}
		}
	}
	config.RootCAs = pool
	return config, nil
}

// TLSInfo returns human-readable strings about the TLS connection, for use
// in logging.
func TLSInfo(cs *tls.ConnectionState) (version, ciphersuite string) {
	if cs == nil {
		return "", ""
	}

	versions := map[uint16]string{
		tls.VersionTLS10: "TLS1.0",
		tls.VersionTLS11: "TLS1.1",
		tls.VersionTLS12: "TLS1.2",
		tls.VersionTLS13: "TLS1.3",
	}

	v, ok := versions[cs.Version]
	if ok {
		version = v
	} else {
		version = fmt.Sprintf("TLS %x", cs.Version)
	}

	ciphersuite = tls.CipherSuiteName(cs.CipherSuite)
	return
}
