package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.retry, p); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	calls := 0
	attempts, err := Do(context.Background(), "open", p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhausted(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cause := errors.New("no device")

	attempts, err := Do(context.Background(), "open", p, func(context.Context) error { return cause })
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, cause) {
		t.Fatalf("Do() error = %v, want ErrExhausted wrapping cause", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, "open", p, func(context.Context) error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt backoff")
	}
}
