package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a byte count that can be written in human form ("50kB", "1MiB")
// in the environment.
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return units.HumanSize(float64(b))
}

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Credential store. An empty path is only accepted together with DevMode.
	DatabasePath       string        `envconfig:"DATABASE_PATH" default:""`
	DevMode            bool          `envconfig:"DEV_MODE" default:"false"`
	CredentialCacheTTL time.Duration `envconfig:"CREDENTIAL_CACHE_TTL" default:"5m"`

	AdminSecret    string   `envconfig:"ADMIN_SECRET" default:""`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"https://remoto.sh,https://www.remoto.sh,http://localhost:3000,http://localhost:3001"`
	AllowAnonymous bool     `envconfig:"ALLOW_ANONYMOUS" default:"false"`

	// Session limits
	MaxSessionsPerUser int           `envconfig:"MAX_SESSIONS_PER_USER" default:"5"`
	MaxSessionDuration time.Duration `envconfig:"MAX_SESSION_DURATION" default:"1h"`
	ExpiryWarning      time.Duration `envconfig:"EXPIRY_WARNING" default:"5m"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	OutputBufferSize   ByteSize      `envconfig:"OUTPUT_BUFFER_SIZE" default:"50000"`
	PeerQueueSize      int           `envconfig:"PEER_QUEUE_SIZE" default:"256"`

	// Connection rate limiting, per client address
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"10"`
	TrustedIPHeader string        `envconfig:"TRUSTED_IP_HEADER" default:"Fly-Client-IP"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("RELAY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// Platforms like Fly inject PORT; an explicit RELAY_LISTEN_ADDR wins.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("RELAY_LISTEN_ADDR") == "" {
		Cfg.ListenAddr = ":" + port
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate rejects configurations the relay cannot run safely with.
func (s Settings) Validate() error {
	var errs []error
	if s.DatabasePath == "" && !s.DevMode {
		errs = append(errs, errors.New("RELAY_DATABASE_PATH is required unless RELAY_DEV_MODE=true"))
	}
	if s.MaxSessionDuration <= 0 {
		errs = append(errs, errors.New("RELAY_MAX_SESSION_DURATION must be positive"))
	}
	if s.ExpiryWarning < 0 || s.ExpiryWarning >= s.MaxSessionDuration {
		errs = append(errs, errors.New("RELAY_EXPIRY_WARNING must be between 0 and RELAY_MAX_SESSION_DURATION"))
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, errors.New("RELAY_SWEEP_INTERVAL must be positive"))
	}
	if s.OutputBufferSize <= 0 {
		errs = append(errs, errors.New("RELAY_OUTPUT_BUFFER_SIZE must be positive"))
	}
	if s.PeerQueueSize <= 0 {
		errs = append(errs, errors.New("RELAY_PEER_QUEUE_SIZE must be positive"))
	}
	if s.MaxSessionsPerUser < 0 || s.RateLimitMax < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if s.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RELAY_RATE_LIMIT_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}
