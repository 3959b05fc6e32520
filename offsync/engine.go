package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// Meta keys owned by the engine.
const (
	metaLastSync      = "lastSync"
	metaFailureCount  = "syncFailureCount"
	metaNextAttemptAt = "syncNextAttemptAt"
)

// Connectivity reports whether the server is reachable. Changes (optional)
// delivers transitions; the engine flushes shortly after a reconnect.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// AlwaysOnline is the default Connectivity for environments without a
// reachability signal.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool         { return true }
func (AlwaysOnline) Changes() <-chan bool { return nil }

// BackgroundWaker asks the host environment to wake the process when
// connectivity returns, so queued mutations flush without waiting for the
// periodic timer. Absence of the capability is non-fatal; the default is a
// no-op.
type BackgroundWaker interface {
	RequestWake(ctx context.Context) error
}

type noopWaker struct{}

func (noopWaker) RequestWake(context.Context) error { return nil }

// EventSource delivers realtime change notifications from an external push
// channel (see the wsfeed package for a websocket implementation).
type EventSource interface {
	Events() <-chan ChangeEvent
}

// Config holds engine tuning. Zero values are replaced by DefaultConfig
// values in New.
type Config struct {
	FlushBatchSize    int           // outbox items per batch request
	FlushInterval     time.Duration // coarse periodic flush attempt
	BackoffTick       time.Duration // fine-grained backoff-expiry check
	OnlineSettleDelay time.Duration // wait after reconnect before flushing
	BackoffBase       time.Duration // first retry delay
	BackoffMax        time.Duration // retry delay cap
	DeltaDebounce     time.Duration // staleness collapse window
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushBatchSize:    50,
		FlushInterval:     8 * time.Second,
		BackoffTick:       1 * time.Second,
		OnlineSettleDelay: 300 * time.Millisecond,
		BackoffBase:       4 * time.Second,
		BackoffMax:        5 * time.Minute,
		DeltaDebounce:     600 * time.Millisecond,
	}
}

// Engine owns all sync state explicitly; nothing lives at package level.
// Lifecycle is Start/Stop via context. Optional collaborators (Conn, Waker,
// Events, Logger) may be set between New and Start.
type Engine struct {
	store  offstore.Store
	server Server
	cfg    *Config

	Conn   Connectivity
	Waker  BackgroundWaker
	Events EventSource
	Logger *slog.Logger

	now func() time.Time

	// Single-flight guard: all flush triggers funnel through this flag so
	// two batches are never in flight at once.
	flushing atomic.Bool
	flushNow chan struct{}

	mu            sync.Mutex // guards backoff state and lastSync
	failures      int
	nextAttemptAt time.Time
	lastSync      time.Time

	scopeMu sync.Mutex
	scopes  map[string]*scopeState

	runCtx context.Context
}

// New creates an engine over the given store and server transport.
func New(store offstore.Store, server Server, cfg *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = def.FlushBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BackoffTick <= 0 {
		cfg.BackoffTick = def.BackoffTick
	}
	if cfg.OnlineSettleDelay <= 0 {
		cfg.OnlineSettleDelay = def.OnlineSettleDelay
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.DeltaDebounce <= 0 {
		cfg.DeltaDebounce = def.DeltaDebounce
	}

	return &Engine{
		store:    store,
		server:   server,
		cfg:      cfg,
		Conn:     AlwaysOnline{},
		Waker:    noopWaker{},
		Logger:   slog.Default(),
		now:      time.Now,
		flushNow: make(chan struct{}, 1),
		scopes:   make(map[string]*scopeState),
		runCtx:   context.Background(),
	}, nil
}

// Start rehydrates persisted backoff state and launches the background
// loops. The loops stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadBackoff(ctx); err != nil {
		return fmt.Errorf("failed to load backoff state: %w", err)
	}
	if ls, err := e.store.GetMeta(ctx, metaLastSync); err == nil && ls != "" {
		if t, perr := time.Parse(time.RFC3339Nano, ls); perr == nil {
			e.mu.Lock()
			e.lastSync = t
			e.mu.Unlock()
		}
	}
	e.runCtx = ctx

	go e.flushLoop(ctx)
	go e.watchConnectivity(ctx)
	if e.Events != nil {
		go e.consumeEvents(ctx)
	}
	return nil
}

// flushLoop drives the Sync Flush Loop: a coarse periodic attempt, a fine
// tick that fires the moment a backoff window expires, and the explicit
// FlushNow signal. Entry guards inside flush make redundant triggers cheap.
func (e *Engine) flushLoop(ctx context.Context) {
	coarse := time.NewTicker(e.cfg.FlushInterval)
	defer coarse.Stop()
	fine := time.NewTicker(e.cfg.BackoffTick)
	defer fine.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-coarse.C:
			e.tryFlush(ctx)
		case <-fine.C:
			if e.backoffJustExpired() {
				e.tryFlush(ctx)
			}
		case <-e.flushNow:
			e.tryFlush(ctx)
		}
	}
}

func (e *Engine) tryFlush(ctx context.Context) {
	if err := e.Flush(ctx); err != nil {
		e.Logger.Warn("outbox flush failed", "error", err)
	}
}

func (e *Engine) backoffJustExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures > 0 && !e.nextAttemptAt.IsZero() && !e.now().Before(e.nextAttemptAt)
}

// watchConnectivity flushes shortly after an offline→online transition.
func (e *Engine) watchConnectivity(ctx context.Context) {
	changes := e.Conn.Changes()
	if changes == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				time.AfterFunc(e.cfg.OnlineSettleDelay, e.FlushNow)
			}
		}
	}
}

// FlushNow requests an immediate flush attempt. Non-blocking; coalesces
// with an already-pending request.
func (e *Engine) FlushNow() {
	select {
	case e.flushNow <- struct{}{}:
	default:
	}
}

// consumeEvents feeds pushed change notifications into staleness marking.
func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.Events.Events():
			if !ok {
				return
			}
			e.HandleChangeEvent(ev)
		}
	}
}

// Status is a point-in-time snapshot of engine health for status surfaces.
type Status struct {
	Syncing       bool       `json:"syncing"`
	Degraded      bool       `json:"degraded"`
	LastSync      *time.Time `json:"lastSync,omitempty"`
	FailureCount  int        `json:"failureCount"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	PendingOutbox int        `json:"pendingOutbox"`
	Conflicts     int        `json:"conflicts"`
}

// Status reports current sync state: the data a "pending sync" indicator
// and a conflicts badge need.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Syncing:  e.flushing.Load(),
		Degraded: e.store.Degraded(),
	}

	e.mu.Lock()
	st.FailureCount = e.failures
	if !e.nextAttemptAt.IsZero() {
		t := e.nextAttemptAt
		st.NextAttemptAt = &t
	}
	if !e.lastSync.IsZero() {
		t := e.lastSync
		st.LastSync = &t
	}
	e.mu.Unlock()

	depth, err := e.store.OutboxDepth(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingOutbox = depth

	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if !c.Resolved {
			st.Conflicts++
		}
	}
	return st, nil
}

// Store exposes the underlying local store (read paths for UI layers).
func (e *Engine) Store() offstore.Store { return e.store }

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }
func parseInt(s string) int64  { v, _ := strconv.ParseInt(s, 10, 64); return v }
