package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CLITokenPrefix marks the short-lived token form of a credential.
const CLITokenPrefix = "cli_"

// CredentialStore looks up API keys and CLI tokens.
type CredentialStore struct {
	DB *gorm.DB
}

// NewCredentialStore wraps db.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{DB: db}
}

// FindAPIKey returns the API key row with the given hash.
func (s *CredentialStore) FindAPIKey(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	if err := s.DB.WithContext(ctx).Where("key_hash = ?", hash).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// FindCLIToken returns the CLI token row with the given value.
func (s *CredentialStore) FindCLIToken(ctx context.Context, token string) (*CLIToken, error) {
	var t CLIToken
	if err := s.DB.WithContext(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TouchCLIToken sets last_used_at on the token to now.
func (s *CredentialStore) TouchCLIToken(ctx context.Context, id uint) error {
	return s.DB.WithContext(ctx).Model(&CLIToken{}).Where("id = ?", id).Update("last_used_at", time.Now()).Error
}

// CreateCLIToken issues a new CLI token for userID.
func CreateCLIToken(db *gorm.DB, userID string) (*CLIToken, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	t := &CLIToken{
		UserID:   userID,
		Token:    CLITokenPrefix + hex.EncodeToString(b),
		IsActive: true,
	}
	if err := db.Create(t).Error; err != nil {
		return nil, fmt.Errorf("insert cli token: %w", err)
	}
	return t, nil
}
