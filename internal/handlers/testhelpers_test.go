package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/remoto/termrelay/internal/auth"
	"github.com/remoto/termrelay/internal/config"
	"github.com/remoto/termrelay/internal/database"
	"github.com/remoto/termrelay/internal/protocol"
	"github.com/remoto/termrelay/internal/ratelimit"
	"github.com/remoto/termrelay/internal/relay"
	"github.com/remoto/termrelay/internal/relayclient"
)

const testAdminSecret = "test-admin-secret"

type testRelay struct {
	URL string
	DB  *gorm.DB

	// active counts handler invocations that have not returned.
	active atomic.Int32
}

func testSettings() config.Settings {
	return config.Settings{
		AdminSecret:        testAdminSecret,
		AllowedOrigins:     []string{"https://remoto.sh", "http://localhost:3000"},
		MaxSessionsPerUser: 2,
		MaxSessionDuration: time.Hour,
		ExpiryWarning:      5 * time.Minute,
		OutputBufferSize:   50000,
		PeerQueueSize:      64,
		RateLimitWindow:    time.Minute,
		RateLimitMax:       100,
	}
}

// setupRelay starts the full router against an in-memory credential store.
func setupRelay(t *testing.T, mutate func(*config.Settings)) *testRelay {
	t.Helper()

	cfg := testSettings()
	if mutate != nil {
		mutate(&cfg)
	}
	config.Cfg = cfg

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	Validator = auth.NewValidator(database.NewCredentialStore(db), time.Minute)
	Limiter = ratelimit.New(ratelimit.Config{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax})
	Registry = relay.NewRegistry(relay.Config{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		MaxDuration:        cfg.MaxSessionDuration,
		ExpiryWarning:      cfg.ExpiryWarning,
		OutputBufferSize:   int(cfg.OutputBufferSize),
	})

	// Websocket handlers outlive srv.Close once hijacked, so track them and
	// wait before the next test replaces the package globals.
	tr := &testRelay{DB: db}
	var inflight sync.WaitGroup
	router := Router()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Add(1)
		tr.active.Add(1)
		defer func() {
			tr.active.Add(-1)
			inflight.Done()
		}()
		router.ServeHTTP(w, r)
	}))
	tr.URL = srv.URL
	registry, validator := Registry, Validator
	t.Cleanup(func() {
		registry.Shutdown()
		srv.CloseClientConnections()
		waitGroupDone(t, &inflight)
		validator.Wait()
		srv.Close()
		sqlDB.Close()
	})
	return tr
}

func (tr *testRelay) apiKey(t *testing.T, userID string) string {
	t.Helper()
	key, _, err := database.CreateAPIKey(tr.DB, userID, "test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return key
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.URL, "http") + path
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialTerminal(t *testing.T, tr *testRelay, credential string) *relayclient.Client {
	t.Helper()
	c, err := relayclient.Dial(testContext(t), tr.URL, credential)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// dialTerminalRejected dials a terminal that the relay must refuse and returns
// the close status it was refused with.
func dialTerminalRejected(t *testing.T, tr *testRelay, credential string) websocket.StatusCode {
	t.Helper()
	c, err := relayclient.Dial(testContext(t), tr.URL, credential)
	if err == nil {
		c.Close()
		t.Fatal("expected the relay to refuse the terminal")
	}
	return websocket.CloseStatus(err)
}

func dialWS(t *testing.T, tr *testRelay, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(testContext(t), tr.wsURL(path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func attachViewer(t *testing.T, tr *testRelay, c *relayclient.Client) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, tr, "/phone/"+c.SessionID()+"?token="+c.SessionToken())
	ev := nextEvent(t, c)
	if _, ok := ev.(protocol.ViewerCount); !ok {
		t.Fatalf("expected phone_connected, got %#v", ev)
	}
	return conn
}

func readViewer(t *testing.T, conn *websocket.Conn) protocol.ToViewer {
	t.Helper()
	_, data, err := conn.Read(testContext(t))
	if err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	msg, err := protocol.ParseToViewer(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return msg
}

func writeViewer(t *testing.T, conn *websocket.Conn, msg []byte) {
	t.Helper()
	if err := conn.Write(testContext(t), websocket.MessageText, msg); err != nil {
		t.Fatalf("viewer write: %v", err)
	}
}

// expectClosed reads until the connection ends and returns its close status.
func expectClosed(t *testing.T, conn *websocket.Conn) (websocket.StatusCode, string) {
	t.Helper()
	ctx := testContext(t)
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Reason
		}
		t.Fatalf("connection ended without a close frame: %v", err)
	}
}

func nextEvent(t *testing.T, c *relayclient.Client) protocol.ToTerminal {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("terminal closed: %v", c.Err())
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return nil
	}
}

func waitTerminalClosed(t *testing.T, c *relayclient.Client) websocket.StatusCode {
	t.Helper()
	select {
	case <-c.Done():
		return websocket.CloseStatus(c.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal to close")
		return -1
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitGroupDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Error("handlers still running after cleanup")
	}
}
