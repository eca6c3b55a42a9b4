package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awray/huddle/internal/crdt"
	huddleerrors "github.com/awray/huddle/internal/errors"
	"github.com/awray/huddle/internal/events"
	"github.com/awray/huddle/internal/models"
	"github.com/awray/huddle/internal/retrypolicy"
	"github.com/awray/huddle/internal/wire"
)

// defaultWriteAttempts caps the optimistic-write retry loop. Writes
// race against concurrent local/remote writers of the same node;
// contention is resolved by re-read and re-merge, which is safe
// because document merges are commutative.
const defaultWriteAttempts = 10

// NodeStore is the slice of the local store the engine writes through.
type NodeStore interface {
	GetNode(workspaceID, id string) (*models.Node, error)
	CreateNodeIfAbsent(workspaceID string, n models.Node) (bool, error)
	UpdateNodeIf(workspaceID, id, expectedVersionID string, mutate func(*models.Node) error) error
	DeleteNode(workspaceID, id string) error
	AppendTransaction(workspaceID string, txn models.Transaction) (uint64, error)
}

// DocumentFactory materializes a document from stored binary state.
// Injected so the engine treats the conflict-free document type as a
// black box.
type DocumentFactory func(state []byte) (crdt.Document, error)

// Engine applies remote CRDT updates to locally stored node state and
// runs the optimistic-concurrency write path for local edits.
type Engine struct {
	workspaceID string
	store       NodeStore
	router      *events.Router
	clock       *crdt.Clock
	policy      retrypolicy.Policy
	newDoc      DocumentFactory
	logger      *slog.Logger
}

func NewEngine(workspaceID string, store NodeStore, router *events.Router, clock *crdt.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		workspaceID: workspaceID,
		store:       store,
		router:      router,
		clock:       clock,
		policy:      retrypolicy.Policy{MaxAttempts: defaultWriteAttempts},
		newDoc: func(state []byte) (crdt.Document, error) {
			return crdt.FromState(state)
		},
		logger: logger,
	}
}

// Apply merges one remote transaction into the local replica. It is
// idempotent: the pull stream delivers at-least-once.
func (e *Engine) Apply(ctx context.Context, p wire.TransactionPayload) error {
	switch models.Operation(p.Operation) {
	case models.OperationCreate, models.OperationUpdate:
		return e.applyUpsert(ctx, p)
	case models.OperationDelete:
		return e.applyDelete(p)
	default:
		// Malformed payloads are dropped, not propagated: one bad
		// item must not poison the stream.
		e.logger.Warn("dropping transaction with unknown operation",
			slog.String("transaction", p.ID),
			slog.String("operation", p.Operation),
		)
		return nil
	}
}

func (e *Engine) applyUpsert(ctx context.Context, p wire.TransactionPayload) error {
	err := e.policy.Do(func(attempt int) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		current, err := e.store.GetNode(e.workspaceID, p.NodeID)
		if err != nil {
			return false, fmt.Errorf("reading node %s: %w", p.NodeID, err)
		}

		if current == nil {
			inserted, err := e.createFromPayload(p)
			if err != nil {
				return false, err
			}
			if inserted {
				return true, nil
			}
			// A concurrent writer won the insert race; fall through
			// to the update path on the next iteration.
			return false, nil
		}

		return e.mergeIntoNode(current, p)
	})

	if errors.Is(err, retrypolicy.ErrAttemptsExhausted) {
		// Not lost: the source transaction persists and will be
		// retried on its own schedule.
		e.logger.Warn("optimistic write retries exhausted",
			slog.String("node", p.NodeID),
			slog.String("transaction", p.ID),
		)
		return nil
	}

	return err
}

func (e *Engine) createFromPayload(p wire.TransactionPayload) (bool, error) {
	doc, err := e.newDoc(nil)
	if err != nil {
		return false, err
	}

	if len(p.Data) > 0 {
		if err := doc.ApplyUpdate(p.Data); err != nil {
			return false, fmt.Errorf("applying update to new node %s: %w", p.NodeID, err)
		}
	}

	attrs, err := doc.Attributes()
	if err != nil {
		return false, fmt.Errorf("deriving attributes for node %s: %w", p.NodeID, err)
	}

	serverAt := p.ServerCreatedAt
	node := models.Node{
		ID:              p.NodeID,
		State:           doc.State(),
		Attributes:      attrs,
		VersionID:       models.NewVersionID(),
		CreatedAt:       p.CreatedAt,
		CreatedBy:       p.CreatedBy,
		ServerCreatedAt: &serverAt,
	}
	// The payload came from the server, so this version is already
	// acknowledged.
	node.ServerVersionID = node.VersionID

	inserted, err := e.store.CreateNodeIfAbsent(e.workspaceID, node)
	if err != nil {
		return false, fmt.Errorf("inserting node %s: %w", p.NodeID, err)
	}

	if inserted {
		e.router.Publish(events.NodeCreated{Node: node})
	}

	return inserted, nil
}

func (e *Engine) mergeIntoNode(current *models.Node, p wire.TransactionPayload) (bool, error) {
	doc, err := e.newDoc(current.State)
	if err != nil {
		return false, fmt.Errorf("decoding state of node %s: %w", p.NodeID, err)
	}

	if len(p.Data) > 0 {
		if err := doc.ApplyUpdate(p.Data); err != nil {
			return false, fmt.Errorf("applying update to node %s: %w", p.NodeID, err)
		}
	}

	attrs, err := doc.Attributes()
	if err != nil {
		return false, fmt.Errorf("deriving attributes for node %s: %w", p.NodeID, err)
	}

	fresh := models.NewVersionID()
	serverAt := p.ServerCreatedAt

	var updated models.Node
	err = e.store.UpdateNodeIf(e.workspaceID, p.NodeID, current.VersionID, func(n *models.Node) error {
		n.State = doc.State()
		n.Attributes = attrs
		n.VersionID = fresh
		// Server timestamps are stamped independently of the local
		// actor timestamps: "when the server recorded it", not "when
		// a human acted".
		n.ServerUpdatedAt = &serverAt
		n.ServerVersionID = fresh
		updated = *n
		return nil
	})

	switch {
	case errors.Is(err, huddleerrors.ErrVersionConflict):
		// Another writer changed the row between read and write;
		// re-read and re-merge.
		return false, nil
	case errors.Is(err, huddleerrors.ErrNodeNotFound):
		// Deleted between read and write. The next iteration either
		// re-materializes the node or gives up with the loop.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("updating node %s: %w", p.NodeID, err)
	}

	e.router.Publish(events.NodeUpdated{Node: updated})

	return true, nil
}

func (e *Engine) applyDelete(p wire.TransactionPayload) error {
	if err := e.store.DeleteNode(e.workspaceID, p.NodeID); err != nil {
		return fmt.Errorf("deleting node %s: %w", p.NodeID, err)
	}

	e.router.Publish(events.NodeDeleted{NodeID: p.NodeID})

	return nil
}

// Mutate is the local edit path: the attribute write is stamped with
// the local clock, appended to the durable outbox first, then applied
// to the node row under the optimistic-concurrency guard. A failed
// node write is logged and left to self-correct when the server
// echoes the transaction back through the pull stream.
func (e *Engine) Mutate(ctx context.Context, rootID, nodeID, actor, attr string, value any) error {
	update, err := crdt.NewUpdate(attr, value, e.clock.Now(), actor)
	if err != nil {
		return fmt.Errorf("encoding update for node %s: %w", nodeID, err)
	}

	existing, err := e.store.GetNode(e.workspaceID, nodeID)
	if err != nil {
		return fmt.Errorf("reading node %s: %w", nodeID, err)
	}

	op := models.OperationUpdate
	if existing == nil {
		op = models.OperationCreate
	}

	now := time.Now().UTC()
	txn := models.Transaction{
		ID:        models.NewID(),
		RootID:    rootID,
		NodeID:    nodeID,
		Operation: op,
		Data:      update,
		CreatedAt: now,
		CreatedBy: actor,
		Status:    models.TransactionPending,
	}

	if _, err := e.store.AppendTransaction(e.workspaceID, txn); err != nil {
		return fmt.Errorf("appending transaction for node %s: %w", nodeID, err)
	}
	e.router.Publish(events.TransactionQueued{TransactionID: txn.ID})

	err = e.policy.Do(func(attempt int) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		current, err := e.store.GetNode(e.workspaceID, nodeID)
		if err != nil {
			return false, fmt.Errorf("reading node %s: %w", nodeID, err)
		}

		if current == nil {
			return e.createLocal(nodeID, update, actor, now)
		}

		return e.updateLocal(current, update, actor, now)
	})

	if errors.Is(err, retrypolicy.ErrAttemptsExhausted) {
		e.logger.Warn("optimistic write retries exhausted for local edit",
			slog.String("node", nodeID),
			slog.String("transaction", txn.ID),
		)
		return nil
	}

	return err
}

// Delete is the local tombstone path: the delete transaction is
// queued like any other operation, then the row is removed.
func (e *Engine) Delete(rootID, nodeID, actor string) error {
	txn := models.Transaction{
		ID:        models.NewID(),
		RootID:    rootID,
		NodeID:    nodeID,
		Operation: models.OperationDelete,
		CreatedAt: time.Now().UTC(),
		CreatedBy: actor,
		Status:    models.TransactionPending,
	}

	if _, err := e.store.AppendTransaction(e.workspaceID, txn); err != nil {
		return fmt.Errorf("appending delete transaction for node %s: %w", nodeID, err)
	}
	e.router.Publish(events.TransactionQueued{TransactionID: txn.ID})

	if err := e.store.DeleteNode(e.workspaceID, nodeID); err != nil {
		return fmt.Errorf("deleting node %s: %w", nodeID, err)
	}
	e.router.Publish(events.NodeDeleted{NodeID: nodeID})

	return nil
}

func (e *Engine) createLocal(nodeID string, update []byte, actor string, at time.Time) (bool, error) {
	doc, err := e.newDoc(nil)
	if err != nil {
		return false, err
	}

	if err := doc.ApplyUpdate(update); err != nil {
		return false, fmt.Errorf("applying update to new node %s: %w", nodeID, err)
	}

	attrs, err := doc.Attributes()
	if err != nil {
		return false, fmt.Errorf("deriving attributes for node %s: %w", nodeID, err)
	}

	node := models.Node{
		ID:         nodeID,
		State:      doc.State(),
		Attributes: attrs,
		VersionID:  models.NewVersionID(),
		CreatedAt:  at,
		CreatedBy:  actor,
	}

	inserted, err := e.store.CreateNodeIfAbsent(e.workspaceID, node)
	if err != nil {
		return false, fmt.Errorf("inserting node %s: %w", nodeID, err)
	}

	if inserted {
		e.router.Publish(events.NodeCreated{Node: node})
	}

	return inserted, nil
}

func (e *Engine) updateLocal(current *models.Node, update []byte, actor string, at time.Time) (bool, error) {
	doc, err := e.newDoc(current.State)
	if err != nil {
		return false, fmt.Errorf("decoding state of node %s: %w", current.ID, err)
	}

	if err := doc.ApplyUpdate(update); err != nil {
		return false, fmt.Errorf("applying update to node %s: %w", current.ID, err)
	}

	attrs, err := doc.Attributes()
	if err != nil {
		return false, fmt.Errorf("deriving attributes for node %s: %w", current.ID, err)
	}

	fresh := models.NewVersionID()

	var updated models.Node
	err = e.store.UpdateNodeIf(e.workspaceID, current.ID, current.VersionID, func(n *models.Node) error {
		n.State = doc.State()
		n.Attributes = attrs
		n.VersionID = fresh
		updatedAt := at
		n.UpdatedAt = &updatedAt
		n.UpdatedBy = actor
		updated = *n
		return nil
	})

	switch {
	case errors.Is(err, huddleerrors.ErrVersionConflict):
		return false, nil
	case errors.Is(err, huddleerrors.ErrNodeNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("updating node %s: %w", current.ID, err)
	}

	e.router.Publish(events.NodeUpdated{Node: updated})

	return true, nil
}
