package dialog

import (
	"errors"

	"github.com/sguinebert/mailio/mlog"
)

// ErrTLSRequired is returned by Policy.Check when credentials would go over
// a cleartext connection without explicit permission.
var ErrTLSRequired = errors.New("tls required for authentication")

// Policy decides whether cleartext authentication is permitted. The
// protocol clients consult it immediately before putting credentials on the
// wire.
type Policy struct {
	// Refuse authentication on connections without TLS.
	RequireTLSForAuth bool

	// Override RequireTLSForAuth, allowing credentials on cleartext
	// connections. A warning is logged for each such authentication.
	AllowCleartextAuth bool
}

// Check returns nil if authentication may proceed on a connection with the
// given TLS state, and ErrTLSRequired otherwise.
func (p Policy) Check(log mlog.Log, isTLS bool) error {
	if isTLS || !p.RequireTLSForAuth {
		return nil
	}
	if p.AllowCleartextAuth {
		log.Warn("authentication without tls allowed by configuration")
		return nil
	}
	return ErrTLSRequired
}
