// Package message adapts MIME messages, as implemented by
// github.com/emersion/go-message, to the view the protocol clients need: a
// producer of RFC 5322 bytes with envelope-relevant addresses for
// submission, and a parser for bytes retrieved over POP3 or IMAP.
//
// MIME structure, encodings and charsets are go-message's concern, not
// this package's.
package message

import (
	"fmt"
	"io"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/sguinebert/mailio/smtpclient"
)

func init() {
	// Decode non-UTF-8 charsets in parsed headers.
	gomessage.CharsetReader = charset.Reader
}

// Message is a parsed or constructed mail message.
//
// The body is an io.Reader: a Message can be written out once.
type Message struct {
	e *gomessage.Entity
}

var _ smtpclient.Message = (*Message)(nil)

// Parse reads a message in RFC 5322 syntax, as fetched with POP3 RETR/TOP
// or IMAP FETCH. An unknown charset in the header is not an error, the
// affected values stay encoded.
func Parse(r io.Reader) (*Message, error) {
	e, err := gomessage.Read(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return &Message{e}, nil
}

// New makes a message from a header and a body reader.
func New(header mail.Header, body io.Reader) (*Message, error) {
	e, err := gomessage.New(header.Header, body)
	if err != nil {
		return nil, fmt.Errorf("making message: %w", err)
	}
	return &Message{e}, nil
}

// Header returns the header with the address-aware accessors of
// go-message's mail package.
func (m *Message) Header() mail.Header {
	return mail.Header{Header: m.e.Header}
}

// Body returns the body reader. Reading it consumes it.
func (m *Message) Body() io.Reader {
	return m.e.Body
}

func (m *Message) addresses(key string) []string {
	h := m.Header()
	addrs, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	l := make([]string, 0, len(addrs))
	for _, a := range addrs {
		l = append(l, a.Address)
	}
	return l
}

// Sender returns the address from the Sender header, empty if absent.
func (m *Message) Sender() string {
	if l := m.addresses("Sender"); len(l) > 0 {
		return l[0]
	}
	return ""
}

// From returns the addresses from the From header.
func (m *Message) From() []string {
	return m.addresses("From")
}

// Recipients returns the addresses from the To header.
func (m *Message) Recipients() []string {
	return m.addresses("To")
}

// CcRecipients returns the addresses from the Cc header.
func (m *Message) CcRecipients() []string {
	return m.addresses("Cc")
}

// BccRecipients returns the addresses from the Bcc header.
func (m *Message) BccRecipients() []string {
	return m.addresses("Bcc")
}

// WriteTo writes the message in RFC 5322 syntax with CRLF line endings,
// without the Bcc header unless opts asks for it. It consumes the body.
func (m *Message) WriteTo(w io.Writer, opts smtpclient.FormatOptions) error {
	header := m.e.Header.Copy()
	if !opts.AddBccHeader {
		header.Del("Bcc")
	}
	e, err := gomessage.New(header, m.e.Body)
	if err != nil {
		return fmt.Errorf("preparing message: %w", err)
	}
	if err := e.WriteTo(w); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}
