package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Aibou/common/retry"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("upstream busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("still down")
	err := retry.Do(context.Background(), fastConfig(4), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := retry.Do(context.Background(), fastConfig(5), func() error {
		calls++
		return retry.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if retry.IsPermanent(err) {
		t.Error("expected Do to unwrap the permanent marker")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ShouldRetryPredicate(t *testing.T) {
	retryable := errors.New("retryable")
	fatal := errors.New("fatal")
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, retryable) }

	calls := 0
	err := retry.Do(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return retryable
		}
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("transient")
	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, InitialDelay: time.Hour}, func() error {
		calls++
		cancel()
		return sentinel
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in error, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected last attempt error in result, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if retry.Permanent(nil) != nil {
		t.Error("expected Permanent(nil) to be nil")
	}
}
