package dialog

import (
	"log/slog"

	"github.com/sguinebert/mailio/mlog"
)

// traced is the wire tap of a Dialog: both directions of the exchange with
// the server pass through it and are logged as quoted strings, "C: " for
// what the client sends and "S: " for what the server sends.
//
// The level is LevelTrace normally, LevelTraceauth while credentials are on
// the wire and LevelTracedata during message transfers, so handlers that
// don't enable those levels never see passwords or message contents. Because
// traced wraps the upgradable Conn rather than one of its variants, it stays
// valid across a TLS upgrade and never logs raw TLS records.
type traced struct {
	conn  *Conn
	log   mlog.Log
	level slog.Level
}

// Read does a single Read on the connection and logs the data of successful
// reads.
func (t *traced) Read(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.log.Trace(t.level, "S: ", buf[:n])
	}
	return n, err
}

// Write logs buf and writes it to the connection.
func (t *traced) Write(buf []byte) (int, error) {
	t.log.Trace(t.level, "C: ", buf)
	return t.conn.Write(buf)
}
