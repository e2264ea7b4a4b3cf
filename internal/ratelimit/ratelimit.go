// Package ratelimit limits connection attempts per client address with a
// fixed window counter.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/remoto/termrelay/internal/logutil"
)

const (
	DefaultWindow = time.Minute
	DefaultMax    = 10
)

// Config holds the window length and the number of attempts allowed in it.
// Max <= 0 disables limiting.
type Config struct {
	Window time.Duration
	Max    int
}

// window is the rate record for one address.
type window struct {
	count int
	start time.Time
}

// Limiter counts attempts per address. The zero value is not usable; call New.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	windows map[string]*window
	nowFn   func() time.Time // injectable clock for testing
}

// New creates a Limiter. A non-positive Window falls back to DefaultWindow.
func New(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return &Limiter{
		config:  config,
		windows: make(map[string]*window),
		nowFn:   time.Now,
	}
}

// Allow records an attempt from addr and reports whether it is within the
// limit. The first attempt in a new or expired window resets the count to 1.
// Denied attempts do not increment the count.
func (l *Limiter) Allow(addr string) bool {
	if l.config.Max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	w, ok := l.windows[addr]
	if !ok || now.Sub(w.start) >= l.config.Window {
		l.windows[addr] = &window{count: 1, start: now}
		return true
	}
	if w.count >= l.config.Max {
		log.Printf("[ratelimit] %s exceeded %d connections per %s",
			logutil.SanitizeForLog(addr), l.config.Max, l.config.Window)
		return false
	}
	w.count++
	return true
}

// Sweep drops expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	n := 0
	for addr, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, addr)
			n++
		}
	}
	return n
}

// Len returns the number of tracked addresses.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
