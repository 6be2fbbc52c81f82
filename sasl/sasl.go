// Package sasl implements the client side of the Simple Authentication and
// Security Layer, RFC 4422, for the PLAIN and LOGIN mechanisms used by the
// SMTP client.
package sasl

import (
	"fmt"
)

// Client is the client half of a SASL exchange. The SMTP client drives it
// step by step: decoded challenges from the server go in, messages for the
// server come out, until the mechanism declares the exchange finished. The
// messages themselves are raw bytes; base64 framing is the protocol
// client's concern.
type Client interface {
	// Info returns the mechanism name as used in the AUTH command, e.g.
	// PLAIN or LOGIN, and whether the exchange puts the credentials on the
	// wire in clear text. Cleartext exchanges are subject to the dialog
	// auth policy and are logged at the traceauth level only.
	Info() (name string, cleartextCredentials bool)

	// Next produces the next message for the server. The first call has a
	// nil fromServer and asks for the optional initial response: nil means
	// the mechanism has none, a non-nil empty message is sent as "=". The
	// final message is flagged with last. An error aborts the exchange.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

// PLAIN, RFC 4616: a single message holding an empty authorization
// identity, the username and the password, separated by NUL bytes.
type clientPlain struct {
	username, password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username: username, password: password}
}

func (a *clientPlain) Info() (name string, cleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step > 0 {
		return nil, false, fmt.Errorf("unexpected step %d in plain exchange", a.step)
	}
	resp := make([]byte, 0, 2+len(a.username)+len(a.password))
	resp = append(resp, 0)
	resp = append(resp, a.username...)
	resp = append(resp, 0)
	resp = append(resp, a.password...)
	return resp, true, nil
}

// LOGIN, obsolete but widely deployed: no initial response, then the
// username and the password, each in reply to a server prompt.
type clientLogin struct {
	username, password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for LOGIN authentication.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username: username, password: password}
}

func (a *clientLogin) Info() (name string, cleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// The server prompts for the username first.
		return nil, false, nil
	case 1:
		return []byte(a.username), false, nil
	case 2:
		return []byte(a.password), true, nil
	default:
		return nil, false, fmt.Errorf("unexpected step %d in login exchange", a.step)
	}
}
