package offsync

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// computeBackoff returns min(cap, base*2^(failures-1)) plus a uniform jitter
// of at most 15% of the capped delay. Jitter keeps reconnecting clients from
// retrying in lockstep.
func (e *Engine) computeBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := e.cfg.BackoffBase
	for i := 1; i < failures && delay < e.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > e.cfg.BackoffMax {
		delay = e.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*15/100 + 1))
	return delay + jitter
}

// escalateBackoff records one more consecutive failure and persists the next
// attempt time so the schedule survives a restart.
func (e *Engine) escalateBackoff(ctx context.Context) {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	next := e.now().Add(e.computeBackoff(failures))
	e.nextAttemptAt = next
	e.mu.Unlock()

	if err := e.store.SetMeta(ctx, metaFailureCount, formatInt(int64(failures))); err != nil {
		e.Logger.Warn("failed to persist failure count", "error", err)
	}
	if err := e.store.SetMeta(ctx, metaNextAttemptAt, formatInt(next.UnixMilli())); err != nil {
		e.Logger.Warn("failed to persist next attempt time", "error", err)
	}
	e.Logger.Debug("sync backoff escalated", "failures", failures, "nextAttemptAt", next)
}

// resetBackoff clears failure state after any successful flush, including a
// trivial flush of an empty outbox.
func (e *Engine) resetBackoff(ctx context.Context) {
	e.mu.Lock()
	changed := e.failures != 0 || !e.nextAttemptAt.IsZero()
	e.failures = 0
	e.nextAttemptAt = time.Time{}
	e.mu.Unlock()

	if !changed {
		return
	}
	if err := e.store.SetMeta(ctx, metaFailureCount, "0"); err != nil {
		e.Logger.Warn("failed to persist failure count", "error", err)
	}
	if err := e.store.DeleteMeta(ctx, metaNextAttemptAt); err != nil {
		e.Logger.Warn("failed to clear next attempt time", "error", err)
	}
}

// loadBackoff rehydrates persisted backoff state on engine start.
func (e *Engine) loadBackoff(ctx context.Context) error {
	fc, err := e.store.GetMeta(ctx, metaFailureCount)
	if err != nil {
		return fmt.Errorf("failed to read failure count: %w", err)
	}
	next, err := e.store.GetMeta(ctx, metaNextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to read next attempt time: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if fc != "" {
		e.failures = int(parseInt(fc))
	}
	if next != "" {
		e.nextAttemptAt = time.UnixMilli(parseInt(next))
	}
	return nil
}
