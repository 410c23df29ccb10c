package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/audit"
	"github.com/bdobrica/Aibou/internal/aibou/cleanup"
	"github.com/bdobrica/Aibou/internal/aibou/durable"
	"github.com/bdobrica/Aibou/internal/aibou/fallback"
	"github.com/bdobrica/Aibou/internal/aibou/generation"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// Storage backends accepted by Config.StorageBackend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds application configuration.
type Config struct {
	// HTTPAddr is the TCP address the HTTP API listens on (e.g. ":8080").
	HTTPAddr string

	// StorageBackend selects the durable document store: "sqlite" (default),
	// "redis" or "memory". The memory backend loses everything on restart
	// and is meant for tests and demos.
	StorageBackend string
	// DatabasePath is the SQLite file used by the sqlite backend.
	DatabasePath string
	// Redis configures the redis backend.
	Redis durable.RedisConfig

	// PersonasDir is a directory of template and rules documents seeded into
	// the catalog at startup. Documents already stored are not overwritten.
	// When empty the embedded default catalog is seeded instead.
	PersonasDir string

	// Session holds per-session limits.
	Session session.Config
	// Cleanup holds the retention windows of the sweep.
	Cleanup cleanup.Config

	// LLM configures the OpenAI-compatible backend. An empty APIKey selects
	// the offline demo generator. A non-empty Model overrides every
	// template's model.
	LLM generation.OpenAIConfig
	// LLMTemperature, when positive, overrides every template's temperature.
	LLMTemperature float64
	// GenerationRetries is the number of attempts per generation call,
	// counting the first. Defaults to 3 when zero.
	GenerationRetries int

	// SimulateTyping delays replies by the typing model.
	SimulateTyping bool
	// OutboxCapacity bounds the queue of pending durable writes.
	OutboxCapacity int

	// Fallback restricts the fallback orchestrator.
	Fallback fallback.Config
	// RandomSeed seeds personality selection. Zero seeds from the clock.
	RandomSeed int64

	// Matrix holds the credentials of the account that posts audit notices.
	Matrix audit.MatrixConfig
	// AuditRoomID is the Matrix room receiving audit notices. When empty,
	// audit events are only logged.
	AuditRoomID string
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		StorageBackend:    BackendSQLite,
		DatabasePath:      "aibou.db",
		Redis:             durable.RedisConfig{Addr: "localhost:6379", KeyPrefix: "aibou:"},
		Session:           session.DefaultConfig(),
		Cleanup:           cleanup.DefaultConfig(),
		GenerationRetries: 3,
		SimulateTyping:    true,
		OutboxCapacity:    1024,
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("database path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis address is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	if c.Session.TurnCap < 1 {
		errs = append(errs, fmt.Errorf("turn cap must be at least 1, got %d", c.Session.TurnCap))
	}
	if c.Session.MaxMessageChars < 1 {
		errs = append(errs, fmt.Errorf("max message chars must be at least 1, got %d", c.Session.MaxMessageChars))
	}
	if c.Session.MaxReplyTokens < 0 {
		errs = append(errs, fmt.Errorf("max reply tokens must not be negative, got %d", c.Session.MaxReplyTokens))
	}
	if c.GenerationRetries < 0 {
		errs = append(errs, fmt.Errorf("generation retries must not be negative, got %d", c.GenerationRetries))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, fmt.Errorf("llm temperature must be within [0, 2], got %g", c.LLMTemperature))
	}
	if c.Fallback.MinWait < 0 {
		errs = append(errs, fmt.Errorf("fallback min wait must not be negative, got %s", c.Fallback.MinWait))
	}

	for name, d := range map[string]time.Duration{
		"generation timeout":   c.Session.GenerationTimeout,
		"inactivity timeout":   c.Cleanup.InactivityTimeout,
		"metadata retention":   c.Cleanup.MetadataRetention,
		"history grace period": c.Cleanup.HistoryGracePeriod,
		"sweep interval":       c.Cleanup.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.AuditRoomID != "" {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix homeserver, user id and access token are required when an audit room is set"))
		}
	}
	return errors.Join(errs...)
}
