// Package events is the process-local change notification fanout:
// cached reads and the outbound queues react to local writes and
// server pushes through it instead of polling.
package events

import (
	"sync"

	"github.com/awray/huddle/internal/models"
)

// Event is any notification published on the router.
type Event interface{ Kind() string }

// NodeCreated fires after the merge engine materializes a new node.
type NodeCreated struct{ Node models.Node }

// NodeUpdated fires after any successful node write.
type NodeUpdated struct{ Node models.Node }

// NodeDeleted fires after a node row is removed.
type NodeDeleted struct{ NodeID string }

// TransactionQueued fires when a local mutation lands in the outbox.
type TransactionQueued struct{ TransactionID string }

// InteractionRecorded fires when a presence/read signal is logged.
type InteractionRecorded struct{ NodeID string }

// ConnectionOpened fires when the websocket finishes its handshake.
type ConnectionOpened struct{}

// ConnectionClosed fires when the websocket drops.
type ConnectionClosed struct{}

// ServerHint fires when the server pushes an out-of-band node_changed
// notification for a stream.
type ServerHint struct {
	NodeID   string
	StreamID string
}

func (NodeCreated) Kind() string         { return "node_created" }
func (NodeUpdated) Kind() string         { return "node_updated" }
func (NodeDeleted) Kind() string         { return "node_deleted" }
func (TransactionQueued) Kind() string   { return "transaction_queued" }
func (InteractionRecorded) Kind() string { return "interaction_recorded" }
func (ConnectionOpened) Kind() string    { return "connection_opened" }
func (ConnectionClosed) Kind() string    { return "connection_closed" }
func (ServerHint) Kind() string          { return "server_hint" }

// Router fans events out to subscribers. Delivery is synchronous:
// handlers must be quick or hand off to their own goroutine, which
// the queue senders do via a buffered kick channel.
type Router struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func NewRouter() *Router {
	return &Router{subs: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns its unsubscribe func.
func (r *Router) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Publish delivers ev to the current snapshot of subscribers. A
// panicking handler is contained so it cannot take down the caller's
// processing loop.
func (r *Router) Publish(ev Event) {
	r.mu.RLock()
	handlers := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		deliver(fn, ev)
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}
