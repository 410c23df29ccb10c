package generation

import (
	"context"
	"log/slog"

	"github.com/bdobrica/Aibou/common/retry"
)

// Retrying retries rate-limit and upstream failures with exponential backoff.
// The caller's context bounds the total time spent, including waits.
type Retrying struct {
	next Client
	cfg  retry.Config
}

// WithRetry wraps next. cfg.ShouldRetry is replaced by Retryable.
func WithRetry(next Client, cfg retry.Config, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ShouldRetry = Retryable
	cfg.Logger = logger.With("component", "generation")
	return &Retrying{next: next, cfg: cfg}
}

func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	var reply string
	err := retry.Do(ctx, r.cfg, func() error {
		var err error
		reply, err = r.next.Generate(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

var _ Client = (*Retrying)(nil)
