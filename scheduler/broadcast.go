package scheduler

import "github.com/rubato-io/rubato/store"

// Broadcaster pushes run lifecycle events to interested listeners. The
// server wires its websocket hub here; headless workers use the no-op.
// Implementations must not block: dispatches wait on nothing downstream.
type Broadcaster interface {
	BroadcastRunStarted(run *store.Run)
	BroadcastRunFinished(run *store.Run)
}

// NoopBroadcaster drops all events.
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastRunStarted(*store.Run)  {}
func (NoopBroadcaster) BroadcastRunFinished(*store.Run) {}
