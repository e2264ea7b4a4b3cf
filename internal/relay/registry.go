package relay

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/remoto/termrelay/internal/protocol"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidSecret     = errors.New("invalid session secret")
	ErrSessionLimit      = errors.New("concurrent session limit reached")
	ErrSessionClosed     = errors.New("session closed")
	ErrViewerNotAttached = errors.New("viewer not attached")
	ErrReplayFailed      = errors.New("replay could not be queued")
)

// CloseReason says why a session ended. Its value is also the status written
// to session history.
type CloseReason string

const (
	CloseEnded    CloseReason = "ended"
	CloseExpired  CloseReason = "expired"
	CloseKilled   CloseReason = "killed"
	CloseShutdown CloseReason = "shutdown"
	CloseInternal CloseReason = "internal"
)

func (r CloseReason) viewerMessage() string {
	switch r {
	case CloseEnded:
		return protocol.TypeCLIDisconnected
	case CloseExpired:
		return protocol.TypeSessionExpired
	case CloseKilled:
		return protocol.TypeSessionKilled
	case CloseShutdown:
		return protocol.TypeServerShutdown
	}
	return ""
}

func (r CloseReason) viewerClose() (websocket.StatusCode, string) {
	if r == CloseEnded {
		return protocol.CloseNormal, "CLI disconnected"
	}
	return r.terminalClose()
}

func (r CloseReason) terminalClose() (websocket.StatusCode, string) {
	switch r {
	case CloseEnded:
		return protocol.CloseNormal, "Session ended"
	case CloseExpired:
		return protocol.CloseSessionExpired, "Session expired"
	case CloseKilled:
		return protocol.CloseSessionKilled, "Session terminated"
	case CloseShutdown:
		return protocol.CloseServerShutdown, "Server shutting down"
	}
	return protocol.CloseInternalError, "Internal error"
}

// Recorder receives session lifecycle events for authenticated sessions.
// Implementations must not block.
type Recorder interface {
	SessionStarted(id, owner string)
	SessionEnded(id string, reason CloseReason)
}

// Config holds registry limits.
type Config struct {
	// MaxSessionsPerUser caps live sessions per owner. Zero means unlimited.
	// Anonymous sessions are never capped.
	MaxSessionsPerUser int
	MaxDuration        time.Duration
	// ExpiryWarning is how long before expiry the one-time warning goes out.
	ExpiryWarning    time.Duration
	OutputBufferSize int
	// Recorder is optional.
	Recorder Recorder
}

// Registry owns every live session. All session mutation goes through its
// methods.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	perOwner map[string]int

	nowFn func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = DefaultOutputBufferSize
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		perOwner: make(map[string]int),
		nowFn:    time.Now,
	}
}

// CreateSession registers a new session for terminal, owned by owner (empty
// for anonymous), and sends it session_created. It returns ErrSessionLimit
// without registering anything when the owner is at the cap.
func (r *Registry) CreateSession(terminal Peer, owner string) (*Session, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("mint session secret: %w", err)
	}
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: r.nowFn(),
		secret:    secret,
		terminal:  terminal,
		viewers:   make(map[Peer]struct{}),
		buffer:    NewOutputBuffer(r.cfg.OutputBufferSize),
	}

	// Hold the session lock until session_created is queued so nothing else
	// reaches the terminal first.
	s.mu.Lock()
	defer s.mu.Unlock()

	r.mu.Lock()
	if owner != "" && r.cfg.MaxSessionsPerUser > 0 && r.perOwner[owner] >= r.cfg.MaxSessionsPerUser {
		r.mu.Unlock()
		return nil, ErrSessionLimit
	}
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session id collision: %s", s.ID)
	}
	r.sessions[s.ID] = s
	if owner != "" {
		r.perOwner[owner]++
	}
	r.mu.Unlock()

	s.sendTerminal(protocol.SessionCreated{
		SessionID:    s.ID,
		SessionToken: s.secret,
		MaxDuration:  r.cfg.MaxDuration.Milliseconds(),
		IsAnonymous:  s.Anonymous(),
	})

	if owner != "" && r.cfg.Recorder != nil {
		r.cfg.Recorder.SessionStarted(s.ID, owner)
	}
	log.Printf("[relay] session %s created (owner=%q)", s.ID, owner)
	return s, nil
}

// AttachViewer adds viewer to session id after checking secret, replays the
// output buffer to it and tells the terminal the new viewer count.
func (r *Registry) AttachViewer(id, secret string, viewer Peer) (*Session, error) {
	s := r.Lookup(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if !s.checkSecret(secret) {
		return nil, ErrInvalidSecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, ok := s.viewers[viewer]; ok {
		return s, nil
	}
	if s.buffer.Len() > 0 {
		if !viewer.Send(protocol.MustEncode(protocol.OutputChunk{Data: s.buffer.Snapshot(), Replay: true})) {
			log.Printf("[relay] session %s: replay could not be queued, viewer rejected", s.ID)
			return nil, ErrReplayFailed
		}
	}
	s.viewers[viewer] = struct{}{}
	s.sendTerminal(protocol.ViewerCount{Connected: true, PhoneCount: len(s.viewers)})
	return s, nil
}

// DetachViewer removes viewer from session id. It reports whether the viewer
// was attached; repeated calls are no-ops.
func (r *Registry) DetachViewer(id string, viewer Peer) bool {
	s := r.Lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.viewers[viewer]; !ok {
		return false
	}
	delete(s.viewers, viewer)
	s.sendTerminal(protocol.ViewerCount{Connected: false, PhoneCount: len(s.viewers)})
	return true
}

// CloseTerminal ends session id because its terminal disconnected.
func (r *Registry) CloseTerminal(id string) bool {
	s := r.Lookup(id)
	if s == nil {
		return false
	}
	return r.closeSession(s, CloseEnded)
}

// CloseInternal force-closes session id after an internal failure.
func (r *Registry) CloseInternal(id string) bool {
	s := r.Lookup(id)
	if s == nil {
		return false
	}
	return r.closeSession(s, CloseInternal)
}

// Kill ends session id on behalf of a user or operator.
func (r *Registry) Kill(id string) bool {
	s := r.Lookup(id)
	if s == nil {
		return false
	}
	return r.closeSession(s, CloseKilled)
}

// KillUser ends every session owned by userID and returns how many closed.
func (r *Registry) KillUser(userID string) int {
	if userID == "" {
		return 0
	}
	n := 0
	for _, s := range r.snapshot(func(s *Session) bool { return s.Owner == userID }) {
		if r.closeSession(s, CloseKilled) {
			n++
		}
	}
	return n
}

// Shutdown closes every session with the shutdown reason.
func (r *Registry) Shutdown() int {
	n := 0
	for _, s := range r.snapshot(nil) {
		if r.closeSession(s, CloseShutdown) {
			n++
		}
	}
	return n
}

// Sweep warns sessions nearing expiry and closes expired ones. A failure in
// one session force-closes that session and does not affect the others.
func (r *Registry) Sweep() (warned, expired int) {
	now := r.nowFn()
	for _, s := range r.snapshot(nil) {
		switch r.sweepSession(s, now) {
		case sweepWarned:
			warned++
		case sweepExpired:
			expired++
		}
	}
	if warned > 0 || expired > 0 {
		log.Printf("[sweep] warned %d, expired %d, %d sessions live", warned, expired, r.Count())
	}
	return warned, expired
}

type sweepResult int

const (
	sweepNone sweepResult = iota
	sweepWarned
	sweepExpired
)

func (r *Registry) sweepSession(s *Session, now time.Time) (result sweepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[sweep] session %s: panic: %v; closing", s.ID, rec)
			r.closeSession(s, CloseExpired)
			result = sweepExpired
		}
	}()

	select {
	case <-s.terminal.Done():
		log.Printf("[sweep] session %s: terminal connection unusable; closing", s.ID)
		r.closeSession(s, CloseExpired)
		return sweepExpired
	default:
	}

	age := now.Sub(s.CreatedAt)
	if age >= r.cfg.MaxDuration {
		if r.closeSession(s, CloseExpired) {
			return sweepExpired
		}
		return sweepNone
	}

	remaining := r.cfg.MaxDuration - age
	if r.cfg.ExpiryWarning > 0 && remaining <= r.cfg.ExpiryWarning {
		if s.warnExpiring(int(math.Ceil(remaining.Minutes()))) {
			return sweepWarned
		}
	}
	return sweepNone
}

// closeSession removes s from the registry and shuts it down. Only the first
// call for a session does anything.
func (r *Registry) closeSession(s *Session, reason CloseReason) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)
	if s.Owner != "" {
		if r.perOwner[s.Owner] <= 1 {
			delete(r.perOwner, s.Owner)
		} else {
			r.perOwner[s.Owner]--
		}
	}
	r.mu.Unlock()

	viewers := s.shut(reason)
	log.Printf("[relay] session %s closed: %s (%d viewer(s) disconnected)", s.ID, reason, viewers)

	if s.Owner != "" && r.cfg.Recorder != nil {
		r.cfg.Recorder.SessionEnded(s.ID, reason)
	}
	return true
}

// Lookup returns the live session with the given id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountForUser returns the number of live sessions owned by userID.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perOwner[userID]
}

func (r *Registry) snapshot(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep == nil || keep(s) {
			out = append(out, s)
		}
	}
	return out
}
