package relay

import (
	"strings"
	"unicode/utf8"
)

// DefaultOutputBufferSize is the default replay budget per session (50 KB).
const DefaultOutputBufferSize = 50000

// OutputBuffer is a bounded FIFO of terminal output chunks replayed to
// viewers when they attach. When the total exceeds maxLen the oldest whole
// chunks are dropped; a single chunk larger than maxLen keeps only its newest
// maxLen bytes, cut on a rune boundary.
//
// OutputBuffer is not safe for concurrent use; Session guards it.
type OutputBuffer struct {
	chunks []string
	size   int
	maxLen int
}

// NewOutputBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, DefaultOutputBufferSize is used.
func NewOutputBuffer(maxLen int) *OutputBuffer {
	if maxLen <= 0 {
		maxLen = DefaultOutputBufferSize
	}
	return &OutputBuffer{maxLen: maxLen}
}

// Append adds a chunk and trims the buffer back under its budget.
func (b *OutputBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	for b.size > b.maxLen && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0])
		b.chunks[0] = ""
		b.chunks = b.chunks[1:]
	}

	if b.size > b.maxLen {
		b.chunks[0] = tail(b.chunks[0], b.maxLen)
		b.size = len(b.chunks[0])
	}
}

// Snapshot returns the retained output as one string.
func (b *OutputBuffer) Snapshot() string {
	return strings.Join(b.chunks, "")
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	return b.size
}

// Chunks returns the number of retained chunks.
func (b *OutputBuffer) Chunks() int {
	return len(b.chunks)
}

// tail returns at most n trailing bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
