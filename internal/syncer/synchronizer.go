package syncer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/awray/huddle/internal/wire"
	"golang.org/x/crypto/blake2b"
)

// Status is the synchronizer's pull state.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusProcessing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	}
	return "unknown"
}

// CursorStore persists per-stream watermarks.
type CursorStore interface {
	GetCursor(key string) (uint64, error)
	SetCursor(key string, value uint64) error
	DeleteCursor(key string) error
}

// Applier merges one pulled transaction into the local replica. It
// must be idempotent: resumption after restart replays from cursor+1,
// giving at-least-once delivery.
type Applier interface {
	Apply(ctx context.Context, payload wire.TransactionPayload) error
}

// Sender delivers envelopes; false means "could not deliver now".
type Sender interface {
	Send(v any) bool
}

// StreamID derives the stable stream identifier for a (user,
// subscription-input) pair. Deterministic across restarts so the
// persisted cursor row survives.
func StreamID(userID, input string) string {
	sum := blake2b.Sum256([]byte(userID + "|" + input))
	return hex.EncodeToString(sum[:16])
}

// Synchronizer pulls one stream of transactions, applies them in
// cursor order, and advances the persisted watermark. One instance
// per (user, subscription-input) pair.
type Synchronizer struct {
	id     string
	userID string
	input  string

	logger  *slog.Logger
	store   CursorStore
	applier Applier
	sender  Sender

	mu     sync.Mutex
	cursor uint64
	status Status
}

func New(userID, input string, store CursorStore, applier Applier, sender Sender, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		id:      StreamID(userID, input),
		userID:  userID,
		input:   input,
		logger:  logger,
		store:   store,
		applier: applier,
		sender:  sender,
	}
}

// ID returns the stable stream identifier.
func (s *Synchronizer) ID() string { return s.id }

// Cursor returns the current in-memory watermark.
func (s *Synchronizer) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor
}

// Status returns the current pull state.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Init loads the persisted cursor (default 0) and issues the first
// pull request.
func (s *Synchronizer) Init() error {
	cursor, err := s.store.GetCursor(s.id)
	if err != nil {
		return fmt.Errorf("loading cursor for stream %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()

	s.RequestNext()

	return nil
}

// RequestNext issues a pull request for the tail of the stream. A
// no-op while a batch is being processed: never two overlapping pulls
// for the same stream. When the socket is down the synchronizer parks
// in waiting until a Ping retries.
func (s *Synchronizer) RequestNext() {
	s.mu.Lock()
	if s.status == StatusProcessing {
		s.mu.Unlock()
		return
	}

	req := wire.SyncRequest{
		Type:     wire.TypeSyncRequest,
		UserID:   s.userID,
		StreamID: s.id,
		Cursor:   wire.FormatCursor(s.cursor),
	}
	s.mu.Unlock()

	if !s.sender.Send(req) {
		s.mu.Lock()
		if s.status != StatusProcessing {
			s.status = StatusWaiting
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.status == StatusWaiting {
		s.status = StatusIdle
	}
	s.mu.Unlock()
}

// Ping nudges the stream: called on reconnect and on out-of-band
// node_changed hints so the pull happens now instead of at the next
// poll.
func (s *Synchronizer) Ping() {
	s.RequestNext()
}

// HandleBatch applies one pull response. Items are applied in
// ascending cursor order; the first apply failure stops the batch but
// the cursor still advances through the last successful item, so only
// the unconsumed tail is reprocessed on the next pull. Malformed
// items are dropped with a log entry and do not poison the stream.
func (s *Synchronizer) HandleBatch(ctx context.Context, resp wire.SyncResponse) {
	if resp.StreamID != s.id {
		return
	}

	s.mu.Lock()
	if s.status == StatusProcessing {
		// Duplicate delivery of the in-flight batch.
		s.mu.Unlock()
		return
	}
	s.status = StatusProcessing
	applied := s.cursor
	s.mu.Unlock()

	if len(resp.Items) == 0 {
		// Stream drained; stay idle until the next hint or poll.
		s.mu.Lock()
		s.status = StatusIdle
		s.mu.Unlock()
		return
	}

	type parsedItem struct {
		cursor uint64
		data   wire.TransactionPayload
	}

	items := make([]parsedItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		cur, err := wire.ParseCursor(item.Cursor)
		if err != nil {
			s.logger.Warn("dropping malformed sync item",
				slog.String("stream", s.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, parsedItem{cursor: cur, data: item.Data})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].cursor < items[j].cursor })

	defer func() {
		s.mu.Lock()
		advanced := applied > s.cursor
		if advanced {
			s.cursor = applied
		}
		s.status = StatusIdle
		s.mu.Unlock()

		if advanced {
			if err := s.store.SetCursor(s.id, applied); err != nil {
				s.logger.Warn("persisting cursor",
					slog.String("stream", s.id),
					slog.String("error", err.Error()),
				)
			}
		}

		// Keep draining until the server returns an empty batch.
		s.RequestNext()
	}()

	for _, item := range items {
		if err := s.applier.Apply(ctx, item.data); err != nil {
			s.logger.Warn("apply failed, stopping batch",
				slog.String("stream", s.id),
				slog.Uint64("cursor", item.cursor),
				slog.String("error", err.Error()),
			)
			return
		}

		if item.cursor > applied {
			applied = item.cursor
		}
	}
}

// Delete removes the persisted cursor row. Used when the subscription
// is permanently torn down.
func (s *Synchronizer) Delete() error {
	return s.store.DeleteCursor(s.id)
}
