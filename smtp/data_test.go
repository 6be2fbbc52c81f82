package smtp

import (
	"errors"
	"strings"
	"testing"
)

func TestDataWrite(t *testing.T) {
	check := func(data, want string) {
		t.Helper()
		w := &strings.Builder{}
		if err := DataWrite(w, strings.NewReader(data)); err != nil {
			t.Fatalf("writing smtp data: %s", err)
		}
		if got := w.String(); got != want {
			t.Fatalf("got %q, want %q for %q", got, want, data)
		}
	}
	check("", ".\r\n")
	check("Hello\r\n", "Hello\r\n.\r\n")
	check(".\r\n", "..\r\n.\r\n")
	check(".dotline\r\n", "..dotline\r\n.\r\n")
	check("Hello\r\n.dotline\r\n", "Hello\r\n..dotline\r\n.\r\n")
	// A message not ending in CRLF gets one before the terminator.
	check("no newline", "no newline\r\n.\r\n")

	checkBad := func(data string) {
		t.Helper()
		if err := DataWrite(&strings.Builder{}, strings.NewReader(data)); !errors.Is(err, ErrCRLF) {
			t.Fatalf("got err %v, want ErrCRLF for %q", err, data)
		}
	}
	checkBad("bare newline\n")
	checkBad("bare \r carriage return\r\n")
}
