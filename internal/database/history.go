package database

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/remoto/termrelay/internal/relay"
)

const historyQueueSize = 1024

type historyEvent struct {
	id     string
	userID string
	status string
	at     time.Time
}

// SessionHistory writes session rows in the background. Enqueueing never
// blocks: when the queue is full the event is logged and dropped, so relay
// operation never depends on the database.
type SessionHistory struct {
	db    *gorm.DB
	queue chan historyEvent

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewSessionHistory creates a history writer. Call Start before use.
func NewSessionHistory(db *gorm.DB) *SessionHistory {
	return &SessionHistory{
		db:    db,
		queue: make(chan historyEvent, historyQueueSize),
	}
}

// Start launches the writer goroutine.
func (h *SessionHistory) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop drains pending events and waits for the writer to exit.
func (h *SessionHistory) Stop() {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.queue)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// SessionStarted implements relay.Recorder.
func (h *SessionHistory) SessionStarted(id, owner string) {
	h.enqueue(historyEvent{id: id, userID: owner, status: StatusActive, at: time.Now()})
}

// SessionEnded implements relay.Recorder.
func (h *SessionHistory) SessionEnded(id string, reason relay.CloseReason) {
	h.enqueue(historyEvent{id: id, status: historyStatus(reason), at: time.Now()})
}

func (h *SessionHistory) enqueue(ev historyEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		log.Printf("[history] stopped, dropped %s event for session %s", ev.status, ev.id)
		return
	}
	select {
	case h.queue <- ev:
	default:
		log.Printf("[history] queue full, dropped %s event for session %s", ev.status, ev.id)
	}
}

func (h *SessionHistory) run() {
	defer h.wg.Done()
	for ev := range h.queue {
		if err := h.write(ev); err != nil {
			log.Printf("[history] session %s: %v", ev.id, err)
		}
	}
}

func (h *SessionHistory) write(ev historyEvent) error {
	if ev.status == StatusActive {
		return h.db.Create(&SessionRecord{
			ID:        ev.id,
			UserID:    ev.userID,
			Status:    StatusActive,
			CreatedAt: ev.at,
		}).Error
	}
	return h.db.Model(&SessionRecord{}).Where("id = ?", ev.id).Updates(map[string]interface{}{
		"status":   ev.status,
		"ended_at": ev.at,
	}).Error
}

func historyStatus(reason relay.CloseReason) string {
	switch reason {
	case relay.CloseExpired:
		return StatusExpired
	case relay.CloseKilled:
		return StatusKilled
	default:
		return StatusEnded
	}
}

// ListSessions returns the most recent history rows for userID.
func ListSessions(db *gorm.DB, userID string, limit int) ([]SessionRecord, error) {
	var rows []SessionRecord
	q := db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
