package database

import "time"

// APIKey is a long-lived credential. Only the SHA-256 hex digest of the key
// is stored.
type APIKey struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     string     `gorm:"not null;index" json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `gorm:"uniqueIndex;not null" json:"-"`
	IsActive   bool       `gorm:"not null" json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CLIToken is a short-lived token issued to the terminal client after a
// browser login. Tokens carry the "cli_" prefix.
type CLIToken struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     string     `gorm:"not null;index" json:"user_id"`
	Token      string     `gorm:"uniqueIndex;not null" json:"-"`
	IsActive   bool       `gorm:"not null" json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// Session history statuses.
const (
	StatusActive  = "active"
	StatusEnded   = "ended"
	StatusExpired = "expired"
	StatusKilled  = "killed"
)

// SessionRecord is the durable history row for one relay session.
type SessionRecord struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	UserID    string     `gorm:"not null;index" json:"user_id"`
	Status    string     `gorm:"not null;index" json:"status"`
	EndedAt   *time.Time `json:"ended_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (SessionRecord) TableName() string {
	return "sessions"
}
