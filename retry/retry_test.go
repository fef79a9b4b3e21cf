package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNetworkPredicate(t *testing.T) {
	retryable := []string{
		"fetch failed",
		"connect ETIMEDOUT 1.2.3.4:443",
		"read: ECONNRESET",
		"getaddrinfo ENOTFOUND rpc.example",
		"network is unreachable",
		"context deadline exceeded (timeout)",
	}
	for _, msg := range retryable {
		if !Network(errors.New(msg)) {
			t.Errorf("Network(%q) = false, want true", msg)
		}
	}
	if Network(errors.New("execution reverted")) {
		t.Error("revert should not be a network error")
	}
	if Network(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestNoncePredicate(t *testing.T) {
	for _, msg := range []string{
		"nonce too low",
		"replacement transaction underpriced",
		"already known",
		"invalid nonce",
	} {
		if !Nonce(errors.New(msg)) {
			t.Errorf("Nonce(%q) = false, want true", msg)
		}
	}
	if Nonce(errors.New("insufficient funds for gas")) {
		t.Error("funds error should not match the nonce predicate")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), "test", 3, time.Millisecond, Network, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), "test", 3, time.Millisecond, Network, func() error {
		attempts++
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoTerminalErrorShortCircuits(t *testing.T) {
	attempts := 0
	terminal := errors.New("execution reverted")
	err := Do(context.Background(), "test", 3, time.Millisecond, Network, func() error {
		attempts++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("Do = %v, want wrapped terminal error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for non-retryable error", attempts)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Do(ctx, "test", 5, 10*time.Millisecond, Network, func() error {
		attempts++
		return errors.New("timeout")
	})
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if attempts > 1 {
		t.Fatalf("attempts = %d, cancelled context should stop retries", attempts)
	}
}

func TestLinearBackOffProgression(t *testing.T) {
	bo := &linearBackOff{base: 2 * time.Second}
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second} {
		if got := bo.NextBackOff(); got != want {
			t.Fatalf("NextBackOff #%d = %s, want %s", i+1, got, want)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != 2*time.Second {
		t.Fatalf("NextBackOff after Reset = %s, want 2s", got)
	}
}

func TestValue(t *testing.T) {
	attempts := 0
	got, err := Value(context.Background(), "test", 3, time.Millisecond, Network, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got != 42 {
		t.Fatalf("Value = %d, want 42", got)
	}
}
