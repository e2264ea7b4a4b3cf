package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/remoto/termrelay/internal/auth"
	"github.com/remoto/termrelay/internal/config"
	"github.com/remoto/termrelay/internal/database"
	"github.com/remoto/termrelay/internal/handlers"
	"github.com/remoto/termrelay/internal/logging"
	"github.com/remoto/termrelay/internal/ratelimit"
	"github.com/remoto/termrelay/internal/relay"
	"github.com/remoto/termrelay/internal/scheduler"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-api-key":
			runCLICommand("create-api-key")
			return
		case "--create-cli-token":
			runCLICommand("create-cli-token")
			return
		case "--list-sessions":
			runCLICommand("list-sessions")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	cfg := config.Cfg
	log.Printf("Config: listen=%s, max_sessions_per_user=%d, max_duration=%s, buffer=%s, anonymous=%v",
		cfg.ListenAddr, cfg.MaxSessionsPerUser, cfg.MaxSessionDuration, cfg.OutputBufferSize, cfg.AllowAnonymous)

	registryCfg := relay.Config{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		MaxDuration:        cfg.MaxSessionDuration,
		ExpiryWarning:      cfg.ExpiryWarning,
		OutputBufferSize:   int(cfg.OutputBufferSize),
	}

	var history *database.SessionHistory
	if cfg.DatabasePath != "" {
		if err := database.Init(); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()

		handlers.Validator = auth.NewValidator(database.NewCredentialStore(database.DB), cfg.CredentialCacheTTL)
		history = database.NewSessionHistory(database.DB)
		history.Start()
		registryCfg.Recorder = history
	} else {
		handlers.Validator = auth.NewDevValidator()
	}

	if cfg.AdminSecret == "" {
		log.Printf("WARNING: RELAY_ADMIN_SECRET is not set, admin endpoints are disabled")
	}

	registry := relay.NewRegistry(registryCfg)
	handlers.Registry = registry
	limiter := ratelimit.New(ratelimit.Config{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax})
	handlers.Limiter = limiter

	// Periodic maintenance
	sched := scheduler.New()
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"session-sweep", cfg.SweepInterval, func() { registry.Sweep() }},
		{"rate-limit-sweep", time.Minute, func() { limiter.Sweep() }},
		{"credential-cache-sweep", time.Minute, func() { handlers.Validator.Sweep() }},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.fn); err != nil {
			log.Fatalf("Scheduler: %v", err)
		}
	}
	sched.Start()

	// Graceful shutdown
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Relay listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdown(shutdownCtx, srv, registry, sched)
	handlers.Validator.Wait()
	if history != nil {
		history.Stop()
	}
	log.Println("Server stopped")
}

// shutdown stops accepting connections before closing sessions, so no
// session can be created after the shutdown notice went out. Hijacked
// websocket connections are left to the registry.
func shutdown(ctx context.Context, srv *http.Server, registry *relay.Registry, sched *scheduler.Scheduler) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	n := registry.Shutdown()
	log.Printf("Closed %d sessions", n)
	sched.Stop(ctx)
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	userID := fs.String("user-id", "", "User ID")
	name := fs.String("name", "", "Key name")
	limit := fs.Int("limit", 20, "Maximum rows to list")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		fmt.Fprintf(os.Stderr, "Usage: termrelay --%s --user-id <id>\n", command)
		os.Exit(1)
	}

	config.Load()
	if config.Cfg.DatabasePath == "" {
		log.Fatalf("RELAY_DATABASE_PATH must be set for --%s", command)
	}
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-api-key":
		key, rec, err := database.CreateAPIKey(database.DB, *userID, *name)
		if err != nil {
			log.Fatalf("Failed to create API key: %v", err)
		}
		fmt.Printf("API key %d created for '%s'. It is shown only once:\n%s\n", rec.ID, *userID, key)

	case "create-cli-token":
		tok, err := database.CreateCLIToken(database.DB, *userID)
		if err != nil {
			log.Fatalf("Failed to create CLI token: %v", err)
		}
		fmt.Printf("CLI token created for '%s':\n%s\n", *userID, tok.Token)

	case "list-sessions":
		rows, err := database.ListSessions(database.DB, *userID, *limit)
		if err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tENDED")
		for _, r := range rows {
			ended := "-"
			if r.EndedAt != nil {
				ended = r.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.CreatedAt.Format(time.RFC3339), ended)
		}
		tw.Flush()
	}
}
