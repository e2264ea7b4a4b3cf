package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/remoto/termrelay/internal/database"
)

// countingStore wraps a real store and counts lookups.
type countingStore struct {
	Store
	lookups atomic.Int32
	touched atomic.Int32
	fail    error
}

func (c *countingStore) FindAPIKey(ctx context.Context, hash string) (*database.APIKey, error) {
	c.lookups.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Store.FindAPIKey(ctx, hash)
}

func (c *countingStore) FindCLIToken(ctx context.Context, token string) (*database.CLIToken, error) {
	c.lookups.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Store.FindCLIToken(ctx, token)
}

func (c *countingStore) TouchCLIToken(ctx context.Context, id uint) error {
	c.touched.Add(1)
	return c.Store.TouchCLIToken(ctx, id)
}

func setupValidator(t *testing.T) (*Validator, *countingStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	store := &countingStore{Store: database.NewCredentialStore(db)}
	return NewValidator(store, time.Minute), store, db
}

func TestValidate_APIKey(t *testing.T) {
	v, store, db := setupValidator(t)
	key, _, err := database.CreateAPIKey(db, "user-1", "laptop")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	userID, ok := v.Validate(context.Background(), key)
	if !ok || userID != "user-1" {
		t.Fatalf("Validate = %q, %v", userID, ok)
	}
	if store.lookups.Load() != 1 {
		t.Errorf("lookups = %d, want 1", store.lookups.Load())
	}
	if store.touched.Load() != 0 {
		t.Error("api keys should not trigger a cli token touch")
	}
}

func TestValidate_CacheHitSkipsStore(t *testing.T) {
	v, store, db := setupValidator(t)
	key, _, _ := database.CreateAPIKey(db, "user-1", "")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.nowFn = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if _, ok := v.Validate(context.Background(), key); !ok {
			t.Fatal("expected valid key")
		}
	}
	if got := store.lookups.Load(); got != 1 {
		t.Errorf("lookups = %d, want 1 within TTL", got)
	}

	now = now.Add(time.Minute)
	if _, ok := v.Validate(context.Background(), key); !ok {
		t.Fatal("expected valid key after TTL")
	}
	if got := store.lookups.Load(); got != 2 {
		t.Errorf("lookups = %d, want 2 after TTL", got)
	}
}

func TestValidate_Rejections(t *testing.T) {
	v, store, db := setupValidator(t)
	_, revoked, _ := database.CreateAPIKey(db, "user-1", "old")
	if err := database.RevokeAPIKey(db, revoked.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	inactive := &database.CLIToken{UserID: "user-1", Token: "cli_inactive", IsActive: false}
	if err := db.Create(inactive).Error; err != nil {
		t.Fatalf("create token: %v", err)
	}

	tests := []struct {
		name string
		cred string
	}{
		{"empty", ""},
		{"unknown api key", "rk_unknown"},
		{"unknown cli token", "cli_unknown"},
		{"inactive cli token", "cli_inactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if userID, ok := v.Validate(context.Background(), tt.cred); ok {
				t.Errorf("Validate(%q) = %q, want invalid", tt.cred, userID)
			}
		})
	}

	// Negative results are not cached.
	before := store.lookups.Load()
	v.Validate(context.Background(), "rk_unknown")
	if store.lookups.Load() != before+1 {
		t.Error("a rejected credential should be looked up again")
	}
}

func TestValidate_RevokedKeyAfterCacheExpiry(t *testing.T) {
	v, _, db := setupValidator(t)
	key, row, _ := database.CreateAPIKey(db, "user-1", "")
	now := time.Now()
	v.nowFn = func() time.Time { return now }

	if _, ok := v.Validate(context.Background(), key); !ok {
		t.Fatal("expected valid key")
	}
	database.RevokeAPIKey(db, row.ID)

	now = now.Add(2 * time.Minute)
	if _, ok := v.Validate(context.Background(), key); ok {
		t.Error("revoked key must be rejected once the cache entry expires")
	}
}

func TestValidate_StoreUnreachable(t *testing.T) {
	v, store, _ := setupValidator(t)
	store.fail = errors.New("connection refused")

	if _, ok := v.Validate(context.Background(), "rk_anything"); ok {
		t.Error("store failure must fail closed")
	}
	if _, ok := v.Validate(context.Background(), "cli_anything"); ok {
		t.Error("store failure must fail closed")
	}
}

func TestValidate_CLITokenTouchesAsync(t *testing.T) {
	v, store, db := setupValidator(t)
	tok, err := database.CreateCLIToken(db, "user-2")
	if err != nil {
		t.Fatalf("CreateCLIToken: %v", err)
	}

	userID, ok := v.Validate(context.Background(), tok.Token)
	if !ok || userID != "user-2" {
		t.Fatalf("Validate = %q, %v", userID, ok)
	}
	v.Wait()

	if store.touched.Load() != 1 {
		t.Errorf("touched = %d, want 1", store.touched.Load())
	}
	var reloaded database.CLIToken
	if err := db.First(&reloaded, tok.ID).Error; err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if reloaded.LastUsedAt == nil {
		t.Error("last_used_at should be set")
	}

	// Cached hits do not touch again.
	v.Validate(context.Background(), tok.Token)
	v.Wait()
	if store.touched.Load() != 1 {
		t.Errorf("touched = %d after cache hit, want 1", store.touched.Load())
	}
}

func TestInvalidateAndSweep(t *testing.T) {
	v, store, db := setupValidator(t)
	k1, _, _ := database.CreateAPIKey(db, "user-1", "")
	k2, _, _ := database.CreateAPIKey(db, "user-1", "")
	now := time.Now()
	v.nowFn = func() time.Time { return now }

	v.Validate(context.Background(), k1)
	v.Validate(context.Background(), k2)

	v.Invalidate(k1)
	v.Validate(context.Background(), k1)
	if got := store.lookups.Load(); got != 3 {
		t.Errorf("lookups = %d, want 3 after invalidate", got)
	}

	now = now.Add(time.Hour)
	if n := v.Sweep(); n != 2 {
		t.Errorf("Sweep = %d, want 2", n)
	}
	if n := v.Sweep(); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}

func TestDevValidator(t *testing.T) {
	v := NewDevValidator()
	if !v.DevMode() {
		t.Fatal("expected dev mode")
	}
	userID, ok := v.Validate(context.Background(), "anything")
	if !ok || userID != DevUserID {
		t.Errorf("Validate = %q, %v", userID, ok)
	}
	if _, ok := v.Validate(context.Background(), ""); ok {
		t.Error("dev mode still rejects an empty credential")
	}
}

func TestValidate_Concurrent(t *testing.T) {
	v, _, db := setupValidator(t)
	key, _, _ := database.CreateAPIKey(db, "user-1", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if userID, ok := v.Validate(context.Background(), key); !ok || userID != "user-1" {
				t.Errorf("Validate = %q, %v", userID, ok)
			}
		}()
	}
	wg.Wait()
}
