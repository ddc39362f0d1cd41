package touchfish

import "bytes"

// lineBuffer accumulates received bytes and yields complete lines.
type lineBuffer struct {
	buf []byte
}

// Write appends received data.
func (b *lineBuffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// Next removes and returns the first complete line without its terminator.
// Unterminated data stays buffered.
func (b *lineBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, b.buf[:i])
	b.buf = b.buf[i+1:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return line, true
}

// Len is the number of buffered, unterminated bytes.
func (b *lineBuffer) Len() int {
	return len(b.buf)
}
