package offsync

import (
	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// HandleChangeEvent routes one pushed notification: entity change events
// mark the matching scope stale (debounced delta follows), and an explicit
// flush request triggers an immediate outbox flush.
func (e *Engine) HandleChangeEvent(ev ChangeEvent) {
	if ev.Type == EventTypeFlushRequested {
		e.FlushNow()
		return
	}

	switch ev.Entity() {
	case offstore.EntityProject:
		e.MarkStale(Scope{Entity: offstore.EntityProject})
	case offstore.EntityTask:
		// ScopeID narrows the refresh to one project's tasks; without it
		// the whole task collection is considered stale.
		e.MarkStale(Scope{Entity: offstore.EntityTask, ProjectID: ev.ScopeID})
	default:
		e.Logger.Debug("ignoring unknown change event", "type", ev.Type)
	}
}
