package netstack

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"hsocket/pkg/config"
	"hsocket/pkg/transport"
)

type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
	// Attempts caps dials; 0 retries until ctx is done
	Attempts int
}

// OptionsFrom converts the net section of the config.
func OptionsFrom(c config.NetConfig) Options {
	return Options{
		BackoffInitial: c.BackoffInitial(),
		BackoffMax:     c.BackoffMax(),
		BackoffJitter:  c.BackoffJitter(),
		Attempts:       c.DialAttempts,
	}
}

// DialWithBackoff dials address until it succeeds, the attempts run out or ctx
// is done. The delay doubles after each failure up to BackoffMax.
func DialWithBackoff(ctx context.Context, tr transport.Transport, address string, opts Options) (transport.Stream, error) {
	initial := opts.BackoffInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxBackoff := opts.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := initial

	var lastErr error
	for attempt := 1; ; attempt++ {
		s, err := tr.Dial(ctx, address)
		if err == nil {
			zap.L().Debug("dialed", zap.String("kind", tr.Kind().String()), zap.String("addr", address), zap.Int("attempt", attempt))
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s %s: %w", tr.Kind(), address, ctx.Err())
		}
		if opts.Attempts > 0 && attempt >= opts.Attempts {
			break
		}
		zap.L().Warn("dial failed", zap.String("kind", tr.Kind().String()), zap.String("addr", address), zap.Int("attempt", attempt), zap.Error(err))
		t := time.NewTimer(withJitter(backoff, opts.BackoffJitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dial %s %s: %w", tr.Kind(), address, ctx.Err())
		case <-t.C:
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
	return nil, fmt.Errorf("dial %s %s after %d attempts: %w", tr.Kind(), address, opts.Attempts, lastErr)
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + rand.N(jitter)
}
