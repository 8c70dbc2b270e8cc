package exec

import (
	"bytes"
	"unicode/utf8"
)

// OutputBuffer is an io.Writer that keeps at most maxBytes and remembers
// whether anything was dropped. It always reports a full write so the
// producer never sees EPIPE because of the ceiling. Writes must come from a
// single goroutine.
type OutputBuffer struct {
	buf       bytes.Buffer
	maxBytes  int
	truncated bool
}

// NewOutputBuffer returns a buffer capped at maxBytes; 0 means unlimited.
func NewOutputBuffer(maxBytes int) *OutputBuffer {
	return &OutputBuffer{maxBytes: maxBytes}
}

func (c *OutputBuffer) Write(p []byte) (int, error) {
	if c.maxBytes <= 0 {
		return c.buf.Write(p)
	}
	remaining := c.maxBytes - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// String returns the captured bytes, trimming a multi-byte rune split by the
// ceiling.
func (c *OutputBuffer) String() string {
	b := c.buf.Bytes()
	if c.truncated {
		for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.Valid(b); i++ {
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

func (c *OutputBuffer) Truncated() bool { return c.truncated }

// Bytes returns the captured bytes unmodified.
func (c *OutputBuffer) Bytes() []byte { return c.buf.Bytes() }
