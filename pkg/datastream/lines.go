package datastream

import (
	"bytes"
	"strings"
)

// LineBuffer reassembles newline-terminated lines from arbitrarily
// fragmented input. Bytes are held until a '\n' arrives, so a multi-byte
// UTF-8 sequence split across fragments is only converted to text once it
// is complete.
type LineBuffer struct {
	pending []byte
}

// Write appends a fragment and returns the lines it completed, in order.
// Whitespace-only lines are dropped. The trailing unterminated part is
// kept for the next call.
func (b *LineBuffer) Write(p []byte) []string {
	b.pending = append(b.pending, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := toText(b.pending[:i])
		b.pending = b.pending[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	// Reclaim the consumed prefix once nothing is pending.
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// Remainder returns the buffered text that has not been terminated by a
// newline. It does not clear the buffer.
func (b *LineBuffer) Remainder() string {
	return toText(b.pending)
}

// Reset discards any buffered bytes.
func (b *LineBuffer) Reset() {
	b.pending = nil
}

// toText converts raw line bytes to a string, replacing invalid UTF-8
// with U+FFFD the way a non-fatal text decoder does.
func toText(p []byte) string {
	return strings.ToValidUTF8(string(p), "\uFFFD")
}
