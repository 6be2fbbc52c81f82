package smtp

import (
	"errors"
	"io"
)

// ErrCRLF is returned by DataWrite for messages with bare carriage returns
// or bare newlines, which cannot be transported safely over SMTP.
var ErrCRLF = errors.New("invalid bare carriage return or newline")

var dotcrlf = []byte(".\r\n")

// DataWrite reads a mail message from r and writes it to the SMTP
// connection w with dot stuffing, as required by the SMTP DATA command:
// each line starting with a dot gets a dot prepended. The terminating
// ".\r\n" is written as well, with a CRLF inserted first when the message
// does not end with one.
func DataWrite(w io.Writer, r io.Reader) error {
	// Start as if on a new line, so a message starting with a dot is stuffed.
	var prevlast, last byte = '\r', '\n'
	buf := make([]byte, 8*1024)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			// Process buf a line at a time, checking if the line starts with
			// a dot while the previous ended with CRLF.
			p := buf[:nr]
			for len(p) > 0 {
				if p[0] == '.' && prevlast == '\r' && last == '\n' {
					if _, err := w.Write(dotcrlf[:1]); err != nil {
						return err
					}
				}
				// Look for the next newline, or end of buffer.
				n := 0
				firstcr := -1
				for n < len(p) {
					c := p[n]
					if c == '\n' {
						if firstcr < 0 {
							if n > 0 || last != '\r' {
								// Bare newline.
								return ErrCRLF
							}
						} else if firstcr != n-1 {
							// Bare carriage return.
							return ErrCRLF
						}
						n++
						break
					} else if c == '\r' && firstcr < 0 {
						firstcr = n
					}
					n++
				}

				if _, err := w.Write(p[:n]); err != nil {
					return err
				}
				// Keep track of the last two bytes written.
				if n == 1 {
					prevlast, last = last, p[0]
				} else {
					prevlast, last = p[n-2], p[n-1]
				}
				p = p[n:]
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if prevlast != '\r' || last != '\n' {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	_, err := w.Write(dotcrlf)
	return err
}
