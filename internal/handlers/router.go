package handlers

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/remoto/termrelay/internal/auth"
	"github.com/remoto/termrelay/internal/config"
	"github.com/remoto/termrelay/internal/middleware"
	"github.com/remoto/termrelay/internal/protocol"
	"github.com/remoto/termrelay/internal/ratelimit"
	"github.com/remoto/termrelay/internal/relay"
)

// Set from main.go during init.
var (
	Registry  *relay.Registry
	Validator *auth.Validator
	Limiter   *ratelimit.Limiter
)

// Router builds the relay's HTTP surface from config.Cfg.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health (no auth)
	r.Get("/health", HealthCheck)

	// Admin control surface, with and without the /api prefix
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(config.Cfg.AdminSecret))

		for _, prefix := range []string{"/api", ""} {
			r.Post(prefix+"/kill-session", KillSession)
			r.Post(prefix+"/kill-all-sessions", KillAllSessions)
		}
	})

	// WebSocket gateway
	r.Group(func(r chi.Router) {
		r.Use(middleware.AllowOrigins(config.Cfg.AllowedOrigins))

		r.Get("/cli", TerminalWS)
		r.Get("/cli/*", TerminalWS)
		r.Get("/phone", ViewerWS)
		r.Get("/phone/*", ViewerWS)
	})

	r.NotFound(NotFound)
	return r
}

// NotFound closes websocket upgrades on unknown paths with the invalid-path
// code and answers everything else with 404.
func NotFound(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.Close(protocol.CloseInvalidPath, "Invalid path")
}
