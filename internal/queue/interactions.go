package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/awray/huddle/internal/events"
	"github.com/awray/huddle/internal/models"
	"github.com/awray/huddle/internal/wire"
)

const (
	// interactionInterval is the flush period for interaction events.
	interactionInterval = 60 * time.Second

	// resendCutoff is how long a sent-but-unconfirmed event waits
	// before it becomes eligible again. Suppresses duplicate sends
	// while the first delivery is likely still in flight.
	resendCutoff = 5 * time.Minute

	// maxSendCount is the delivery-attempt cap. Interaction events are
	// best-effort; past the cap the row is pruned rather than retried
	// forever.
	maxSendCount = 20
)

// InteractionStore is the slice of the store the interaction sender
// drives.
type InteractionStore interface {
	RecordInteraction(workspaceID string, ev models.InteractionEvent) error
	DueInteractions(workspaceID string, now time.Time, cutoff time.Duration) ([]models.InteractionEvent, error)
	MarkInteractionSent(workspaceID, id string, at time.Time) (int, error)
	DeleteInteraction(workspaceID, id string) error
}

// InteractionSender delivers presence/read signals, grouped per node,
// with time-window dedup instead of acks: an event is resent only
// after the cutoff has passed, and dropped after the send cap.
type InteractionSender struct {
	workspaceID string
	store       InteractionStore
	sender      Sender
	router      *events.Router
	logger      *slog.Logger
	kick        chan struct{}
}

func NewInteractionSender(workspaceID string, store InteractionStore, sender Sender, router *events.Router, logger *slog.Logger) *InteractionSender {
	return &InteractionSender{
		workspaceID: workspaceID,
		store:       store,
		sender:      sender,
		router:      router,
		logger:      logger,
		kick:        make(chan struct{}, 1),
	}
}

// Record persists a new interaction event and kicks the flush loop.
// This is the entry point the user-facing layer calls on a seen/read/
// reaction signal.
func (i *InteractionSender) Record(ev models.InteractionEvent) error {
	if ev.ID == "" {
		ev.ID = models.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := i.store.RecordInteraction(i.workspaceID, ev); err != nil {
		return err
	}

	i.router.Publish(events.InteractionRecorded{NodeID: ev.NodeID})
	i.Notify()

	return nil
}

// Notify requests an early flush; coalesces while one is pending.
func (i *InteractionSender) Notify() {
	select {
	case i.kick <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is cancelled.
func (i *InteractionSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(interactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.flush()
		case <-i.kick:
			i.flush()
		}
	}
}

func (i *InteractionSender) flush() {
	now := time.Now().UTC()

	due, err := i.store.DueInteractions(i.workspaceID, now, resendCutoff)
	if err != nil {
		i.logger.Warn("reading due interactions", slog.String("error", err.Error()))
		return
	}

	if len(due) == 0 {
		return
	}

	// One push per node, members in insertion order.
	order := make([]string, 0, len(due))
	groups := make(map[string][]models.InteractionEvent)
	for _, ev := range due {
		if _, ok := groups[ev.NodeID]; !ok {
			order = append(order, ev.NodeID)
		}
		groups[ev.NodeID] = append(groups[ev.NodeID], ev)
	}

	for _, nodeID := range order {
		i.sendGroup(nodeID, groups[nodeID], now)
	}
}

func (i *InteractionSender) sendGroup(nodeID string, group []models.InteractionEvent, at time.Time) {
	push := wire.InteractionsPush{
		Type:   wire.TypeInteractionsPush,
		NodeID: nodeID,
		Events: make([]wire.InteractionPayload, 0, len(group)),
	}
	for _, ev := range group {
		push.Events = append(push.Events, wire.InteractionPayload{
			ID:        ev.ID,
			NodeID:    ev.NodeID,
			RootID:    ev.RootID,
			Attribute: ev.Attribute,
			Value:     ev.Value,
			CreatedAt: ev.CreatedAt,
		})
	}

	if !i.sender.Send(push) {
		// Socket is down; events stay due for the next tick.
		return
	}

	for _, ev := range group {
		count, err := i.store.MarkInteractionSent(i.workspaceID, ev.ID, at)
		if err != nil {
			i.logger.Warn("marking interaction sent",
				slog.String("interaction", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if count > maxSendCount {
			if err := i.store.DeleteInteraction(i.workspaceID, ev.ID); err != nil {
				i.logger.Warn("pruning interaction",
					slog.String("interaction", ev.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
