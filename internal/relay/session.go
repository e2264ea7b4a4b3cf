package relay

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/remoto/termrelay/internal/protocol"
)

// Session pairs one terminal connection with its attached viewers.
//
// Lifecycle:
//  1. Created by Registry.CreateSession → live, visible to viewers
//  2. Expiry warning sent once by Registry.Sweep (optional)
//  3. Closed by terminal disconnect/exit, expiry, kill or shutdown → removed
//     from the registry, id retired
type Session struct {
	// ID is the public session identifier used in viewer URLs.
	ID string
	// Owner is the user that created the session; empty for anonymous sessions.
	Owner string
	// CreatedAt drives expiry.
	CreatedAt time.Time

	secret   string
	terminal Peer

	mu                sync.Mutex
	viewers           map[Peer]struct{}
	buffer            *OutputBuffer
	expiryWarningSent bool
	closed            bool
}

// Anonymous reports whether the session has no authenticated owner.
func (s *Session) Anonymous() bool {
	return s.Owner == ""
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// BufferedBytes returns the size of the replay buffer.
func (s *Session) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

func (s *Session) checkSecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(s.secret), []byte(secret)) == 1
}

// sendTerminal queues msg for the terminal. Callers hold s.mu.
func (s *Session) sendTerminal(msg protocol.ToTerminal) {
	if !s.terminal.Send(protocol.MustEncode(msg)) {
		log.Printf("[relay] session %s: terminal queue full, dropped %T", s.ID, msg)
	}
}

// broadcast queues msg for every viewer. Viewers that cannot keep up are
// detached and closed; the terminal is told about the new count. Callers
// hold s.mu.
func (s *Session) broadcast(msg protocol.ToViewer) {
	if len(s.viewers) == 0 {
		return
	}
	frame := protocol.MustEncode(msg)
	dropped := 0
	for v := range s.viewers {
		if v.Send(frame) {
			continue
		}
		delete(s.viewers, v)
		v.Close(protocol.CloseViewerTooSlow, "Viewer too slow")
		dropped++
	}
	if dropped > 0 {
		log.Printf("[relay] session %s: dropped %d slow viewer(s)", s.ID, dropped)
		s.sendTerminal(protocol.ViewerCount{Connected: false, PhoneCount: len(s.viewers)})
	}
}

// warnExpiring sends the one-time expiry notice. It reports false if the
// warning was already sent or the session is closed.
func (s *Session) warnExpiring(minutes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.expiryWarningSent {
		return false
	}
	s.expiryWarningSent = true
	s.sendTerminal(protocol.TerminalExpiring{MinutesRemaining: minutes})
	s.broadcast(protocol.ViewerExpiring{MinutesRemaining: minutes})
	return true
}

// shut marks the session closed, notifies and disconnects every viewer and
// then the terminal.
func (s *Session) shut(reason CloseReason) (viewers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	if msgType := reason.viewerMessage(); msgType != "" {
		s.broadcast(protocol.SessionEnded{Type: msgType})
	}
	code, text := reason.viewerClose()
	for v := range s.viewers {
		v.Close(code, text)
		viewers++
	}
	s.viewers = map[Peer]struct{}{}

	code, text = reason.terminalClose()
	s.terminal.Close(code, text)
	return viewers
}

// newSecret returns 32 random bytes, hex encoded.
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
