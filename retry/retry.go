// Package retry wraps fallible operations with a progressive backoff and a
// pluggable retryable-error predicate. All transient-failure handling in the
// engine funnels through Do so call sites stay free of retry loops.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
)

// Predicate classifies an error as retryable or terminal.
type Predicate func(error) bool

var networkMarkers = []string{
	"fetch failed",
	"etimedout",
	"econnreset",
	"enotfound",
	"network",
	"timeout",
}

var nonceMarkers = []string{
	"nonce",
	"transaction underpriced",
	"already known",
}

// Network matches transport-level failures from RPC endpoints.
func Network(err error) bool { return matchAny(err, networkMarkers) }

// Nonce matches nonce-shaped send failures from the chain.
func Nonce(err error) bool { return matchAny(err, nonceMarkers) }

func matchAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// linearBackOff waits base, 2*base, 3*base, ... between attempts.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Do runs op up to maxAttempts times, sleeping base*attempt between tries.
// Errors rejected by retryable are terminal and propagate immediately. The
// name tags retry logging.
func Do(ctx context.Context, name string, maxAttempts int, base time.Duration, retryable Predicate, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{base: base}, uint64(maxAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		if err := op(); err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, bo, func(err error, wait time.Duration) {
		log.Debug("Retrying operation", "op", name, "wait", wait, "err", err)
	})
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, name string, maxAttempts int, base time.Duration, retryable Predicate, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, name, maxAttempts, base, retryable, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
