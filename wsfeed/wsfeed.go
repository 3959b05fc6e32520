// Package wsfeed delivers realtime change notifications to the sync engine
// over a websocket. The engine only sees the EventSource interface; this
// package owns connection lifecycle and reconnects with its own backoff.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/nacer-hammami2025/devdash-sync/offsync"
)

// Feed is a reconnecting websocket consumer of server change events.
// Implements offsync.EventSource.
type Feed struct {
	URL    string
	Token  func(ctx context.Context) (string, error) // optional
	Logger *slog.Logger

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	events chan offsync.ChangeEvent
}

// New creates a feed for the given websocket URL.
func New(url string) *Feed {
	return &Feed{
		URL:          url,
		Logger:       slog.Default(),
		ReconnectMin: 1 * time.Second,
		ReconnectMax: 30 * time.Second,
		events:       make(chan offsync.ChangeEvent, 64),
	}
}

// Events returns the stream of decoded change events.
func (f *Feed) Events() <-chan offsync.ChangeEvent { return f.events }

// Run connects and consumes events until ctx is cancelled, reconnecting
// with doubling delay on any connection failure.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.events)

	delay := f.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.Logger.Warn("realtime feed disconnected", "url", f.URL, "error", err, "retryIn", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.ReconnectMax {
			delay = f.ReconnectMax
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, f.URL, opts)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.Logger.Debug("realtime feed connected", "url", f.URL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var ev offsync.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			f.Logger.Debug("ignoring unparseable realtime message", "error", err)
			continue
		}

		select {
		case f.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
