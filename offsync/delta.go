package offsync

import (
	"context"
	"fmt"
	"time"
)

// scopeState tracks debounce and single-flight bookkeeping for one cached
// collection.
type scopeState struct {
	timer    *time.Timer
	inFlight bool
	pending  bool
	stale    bool
}

func (e *Engine) scopeState(key string) *scopeState {
	st, ok := e.scopes[key]
	if !ok {
		st = &scopeState{}
		e.scopes[key] = st
	}
	return st
}

// MarkStale flags a scope as possibly out of date and schedules a debounced
// delta fetch. Repeated staleness signals inside the debounce window
// collapse into a single fetch.
func (e *Engine) MarkStale(scope Scope) {
	key := scope.cursorKey()
	e.scopeMu.Lock()
	defer e.scopeMu.Unlock()

	st := e.scopeState(key)
	st.stale = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(e.cfg.DeltaDebounce, func() {
		if err := e.fetchDelta(e.runCtx, scope); err != nil {
			e.Logger.Warn("delta fetch failed", "scope", key, "error", err)
		}
	})
}

// Stale reports whether a scope is flagged out of date.
func (e *Engine) Stale(scope Scope) bool {
	e.scopeMu.Lock()
	defer e.scopeMu.Unlock()
	st, ok := e.scopes[scope.cursorKey()]
	return ok && st.stale
}

// Refresh fetches a scope's delta immediately (explicit user refresh). If a
// fetch for the scope is already in flight, one more fetch is scheduled for
// when it completes.
func (e *Engine) Refresh(ctx context.Context, scope Scope) error {
	return e.fetchDelta(ctx, scope)
}

// fetchDelta is the single-flight entry: a fetch in flight suppresses new
// triggers, and any trigger that arrived meanwhile re-runs exactly once
// afterwards.
func (e *Engine) fetchDelta(ctx context.Context, scope Scope) error {
	key := scope.cursorKey()

	e.scopeMu.Lock()
	st := e.scopeState(key)
	if st.inFlight {
		st.pending = true
		e.scopeMu.Unlock()
		return nil
	}
	st.inFlight = true
	e.scopeMu.Unlock()

	err := e.doFetchDelta(ctx, scope, key)

	e.scopeMu.Lock()
	st.inFlight = false
	rerun := st.pending
	st.pending = false
	e.scopeMu.Unlock()

	if rerun {
		go func() {
			if rerr := e.fetchDelta(e.runCtx, scope); rerr != nil {
				e.Logger.Warn("delta re-fetch failed", "scope", key, "error", rerr)
			}
		}()
	}
	return err
}

func (e *Engine) doFetchDelta(ctx context.Context, scope Scope, key string) error {
	since, err := e.store.GetMeta(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read sync cursor: %w", err)
	}

	snapshots, err := e.server.FetchDelta(ctx, scope, since)
	if err != nil {
		return fmt.Errorf("failed to fetch delta for %s: %w", key, err)
	}

	if len(snapshots) > 0 {
		switch scope.Entity {
		case "project":
			err = e.CacheProjects(ctx, snapshots)
		default:
			err = e.CacheTasks(ctx, snapshots)
		}
		if err != nil {
			return fmt.Errorf("failed to merge delta into cache: %w", err)
		}
	}

	// Advance the cursor to now; per-scope cursors only ever move forward.
	cursor := e.now().UTC().Format(time.RFC3339Nano)
	if err := e.store.SetMeta(ctx, key, cursor); err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	e.scopeMu.Lock()
	e.scopeState(key).stale = false
	e.scopeMu.Unlock()

	e.Logger.Debug("delta applied", "scope", key, "snapshots", len(snapshots))
	return nil
}
