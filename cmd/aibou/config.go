package main

import (
	"github.com/bdobrica/Aibou/common/environment"
	"github.com/bdobrica/Aibou/internal/aibou/app"
)

// logSettings are read separately because the logger is built before the
// rest of the configuration is validated.
type logSettings struct {
	Level  string
	Format string
}

func loadLogSettings() logSettings {
	env := environment.New("AIBOU_")
	return logSettings{
		Level:  env.String("LOG_LEVEL", "info"),
		Format: env.String("LOG_FORMAT", "text"),
	}
}

// loadConfig loads configuration from AIBOU_* environment variables on top
// of app.DefaultConfig. Malformed values are reported together.
func loadConfig() (app.Config, error) {
	env := environment.New("AIBOU_")
	cfg := app.DefaultConfig()

	cfg.HTTPAddr = env.String("HTTP_ADDR", cfg.HTTPAddr)

	cfg.StorageBackend = env.String("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.DatabasePath = env.String("DATABASE_PATH", cfg.DatabasePath)
	cfg.Redis.Addr = env.String("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = env.String("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = env.Int("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = env.String("REDIS_PREFIX", cfg.Redis.KeyPrefix)

	cfg.PersonasDir = env.String("PERSONAS_DIR", cfg.PersonasDir)

	cfg.Session.TurnCap = env.Int("TURN_CAP", cfg.Session.TurnCap)
	cfg.Session.GenerationTimeout = env.Duration("GENERATION_TIMEOUT", cfg.Session.GenerationTimeout)
	cfg.Session.MaxReplyTokens = env.Int("MAX_REPLY_TOKENS", cfg.Session.MaxReplyTokens)
	cfg.Session.MaxMessageChars = env.Int("MAX_MESSAGE_CHARS", cfg.Session.MaxMessageChars)

	cfg.Cleanup.InactivityTimeout = env.Duration("INACTIVITY_TIMEOUT", cfg.Cleanup.InactivityTimeout)
	cfg.Cleanup.MetadataRetention = env.Duration("METADATA_RETENTION", cfg.Cleanup.MetadataRetention)
	cfg.Cleanup.HistoryGracePeriod = env.Duration("HISTORY_GRACE", cfg.Cleanup.HistoryGracePeriod)
	cfg.Cleanup.SweepInterval = env.Duration("SWEEP_INTERVAL", cfg.Cleanup.SweepInterval)
	cfg.Cleanup.QueueInterval = cfg.Cleanup.HistoryGracePeriod

	cfg.LLM.APIKey = env.String("LLM_API_KEY", "")
	cfg.LLM.BaseURL = env.String("LLM_BASE_URL", "")
	cfg.LLM.Model = env.String("LLM_MODEL", "")
	cfg.LLMTemperature = env.Float("LLM_TEMPERATURE", 0)
	cfg.GenerationRetries = env.Int("GENERATION_RETRIES", cfg.GenerationRetries)

	cfg.SimulateTyping = env.Bool("SIMULATE_TYPING", cfg.SimulateTyping)
	cfg.OutboxCapacity = env.Int("OUTBOX_CAPACITY", cfg.OutboxCapacity)

	cfg.Fallback.Personalities = env.List("FALLBACK_PERSONALITIES", nil)
	cfg.Fallback.MinWait = env.Duration("FALLBACK_MIN_WAIT", 0)
	cfg.RandomSeed = env.Int64("RANDOM_SEED", 0)

	cfg.Matrix.Homeserver = env.String("MATRIX_HOMESERVER", "")
	cfg.Matrix.UserID = env.String("MATRIX_USER_ID", "")
	cfg.Matrix.AccessToken = env.String("MATRIX_ACCESS_TOKEN", "")
	cfg.AuditRoomID = env.String("MATRIX_AUDIT_ROOM", "")

	if err := env.Err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
