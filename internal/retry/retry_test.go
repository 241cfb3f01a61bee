package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	return cfg
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("dial tcp 10.0.0.2:22: connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDoGivesUp(t *testing.T) {
	attempts := 0
	cause := fmt.Errorf("dial: %w", syscall.ECONNRESET)
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return cause
	})

	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
	if attempts != 4 {
		t.Errorf("Expected 1 attempt plus 3 retries, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	cause := errors.New("ssh: unable to authenticate")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return cause
	})

	if err != cause {
		t.Errorf("Expected the unwrapped permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errors.New("timeout") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("write: %w", syscall.EPIPE), true},
		{errors.New("ssh: handshake failed: EOF"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("permission denied"), false},
		{errors.New("ssh: unable to authenticate"), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
