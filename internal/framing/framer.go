// Package framing splits a child process output stream into newline
// delimited messages.
package framing

import (
	"bytes"
	"errors"
)

// DefaultMaxBytes bounds a single buffered line. Media responses carry
// base64 payloads, so the limit is generous.
const DefaultMaxBytes = 16 << 20

// ErrFrameTooLarge is returned when a line grows past the configured limit
// before its newline arrives. The oversized line is discarded.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Framer accumulates raw output chunks and yields one message per '\n'
// terminated line. It is not safe for concurrent use; the owner feeds it
// from a single reader goroutine.
type Framer struct {
	buf      []byte
	max      int
	skipping bool
}

// New returns a Framer bounded to maxBytes per line. A value <= 0 disables
// the bound.
func New(maxBytes int) *Framer {
	return &Framer{max: maxBytes}
}

// Feed appends chunk to the buffer and returns the first complete message,
// trimmed of surrounding whitespace. ok is false when no newline has been
// seen yet. Bytes following the extracted line stay buffered; call Feed(nil)
// to drain further messages from a chunk that carried several.
func (f *Framer) Feed(chunk []byte) (msg []byte, ok bool, err error) {
	f.buf = append(f.buf, chunk...)

	if f.skipping {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			f.buf = f.buf[:0]
			return nil, false, nil
		}
		f.consume(i + 1)
		f.skipping = false
	}

	i := bytes.IndexByte(f.buf, '\n')
	if i < 0 {
		if f.max > 0 && len(f.buf) > f.max {
			f.buf = f.buf[:0]
			f.skipping = true
			return nil, false, ErrFrameTooLarge
		}
		return nil, false, nil
	}
	if f.max > 0 && i > f.max {
		f.consume(i + 1)
		return nil, false, ErrFrameTooLarge
	}

	line := bytes.TrimSpace(f.buf[:i])
	msg = make([]byte, len(line))
	copy(msg, line)
	f.consume(i + 1)
	return msg, true, nil
}

// consume drops the first n bytes, keeping the remainder at the front of the
// existing backing array.
func (f *Framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

// Buffered reports how many bytes are waiting for a newline.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards any buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.skipping = false
}
