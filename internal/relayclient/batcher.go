package relayclient

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultFlushInterval = 30 * time.Millisecond
	DefaultMaxBytes      = 16000
)

// ErrBatcherClosed is returned by writes after Close or Exit.
var ErrBatcherClosed = errors.New("batcher closed")

// Sender delivers frames to the relay. *Client implements it.
type Sender interface {
	SendOutput(ctx context.Context, data string) error
	SendExit(ctx context.Context, code int) error
}

// BatcherConfig bounds output latency and frame size.
type BatcherConfig struct {
	// FlushInterval is the longest output waits after its first byte.
	FlushInterval time.Duration
	// MaxBytes flushes as soon as this much output is pending, and caps the
	// size of each output frame.
	MaxBytes int
}

// Batcher coalesces process output into output frames. It flushes when
// FlushInterval has passed since the first pending byte or when MaxBytes are
// pending, whichever comes first. Frames never split a UTF-8 sequence.
//
// Batcher is an io.Writer, so a pty can be copied straight into it.
type Batcher struct {
	cfg    BatcherConfig
	sender Sender

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	err    error
	closed bool
}

// NewBatcher creates a batcher sending through sender. Zero config values
// take the defaults.
func NewBatcher(cfg BatcherConfig, sender Sender) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Batcher{cfg: cfg, sender: sender}
}

// NewOutputBatcher creates a batcher that writes to c.
func (c *Client) NewOutputBatcher(cfg BatcherConfig) *Batcher {
	return NewBatcher(cfg, c)
}

// Write queues p. It returns the first send error seen by an earlier flush.
func (b *Batcher) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBatcherClosed
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	b.buf = append(b.buf, p...)
	if len(b.buf) >= b.cfg.MaxBytes {
		b.flushLocked(false)
	}
	if b.err != nil {
		return len(p), b.err
	}
	if len(b.buf) > 0 && b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.FlushInterval, b.timerFlush)
	}
	return len(p), nil
}

// Flush sends everything pending, including an incomplete trailing rune.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(true)
	return b.err
}

// Close flushes pending output and rejects further writes.
func (b *Batcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.err
	}
	b.flushLocked(true)
	b.closed = true
	return b.err
}

// Exit flushes pending output, then sends the exit frame.
func (b *Batcher) Exit(code int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBatcherClosed
	}
	b.flushLocked(true)
	b.closed = true
	if b.err != nil {
		return b.err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return b.sender.SendExit(ctx, code)
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	// An incomplete trailing rune waits for the next write or Close.
	b.flushLocked(false)
}

// flushLocked sends pending output. Unless all is set, an incomplete UTF-8
// sequence at the end stays buffered for the next write. Callers hold b.mu.
func (b *Batcher) flushLocked(all bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.err != nil || len(b.buf) == 0 {
		return
	}

	data := b.buf
	var rest []byte
	if !all {
		data, rest = splitIncomplete(b.buf)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, chunk := range splitChunks(data, b.cfg.MaxBytes) {
		if err := b.sender.SendOutput(ctx, chunk); err != nil {
			b.err = err
			b.buf = nil
			return
		}
	}
	b.buf = append([]byte(nil), rest...)
}

// splitIncomplete separates a trailing partial UTF-8 sequence from data.
func splitIncomplete(data []byte) (complete, partial []byte) {
	start := len(data) - 1
	for start > 0 && start > len(data)-utf8.UTFMax && !utf8.RuneStart(data[start]) {
		start--
	}
	if start < 0 || utf8.FullRune(data[start:]) {
		return data, nil
	}
	return data[:start], data[start:]
}

// splitChunks cuts data into strings of at most max bytes on rune boundaries.
func splitChunks(data []byte, max int) []string {
	var chunks []string
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
			for n > 0 && !utf8.RuneStart(data[n]) {
				n--
			}
			if n == 0 {
				n = max
			}
		}
		chunks = append(chunks, string(data[:n]))
		data = data[n:]
	}
	return chunks
}
