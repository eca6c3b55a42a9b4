// Package queue holds the two outbound delivery loops: the durable
// transaction sender and the best-effort interaction sender. Both are
// timer-driven with an event-driven kick so a local edit does not wait
// out the full timer period.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/awray/huddle/internal/models"
	"github.com/awray/huddle/internal/retrypolicy"
	"github.com/awray/huddle/internal/wire"
)

const (
	// sendInterval is the steady-state flush period for pending
	// transactions.
	sendInterval = 60 * time.Second

	// sendDebounce batches a burst of local edits into one push
	// instead of one frame per keystroke.
	sendDebounce = 500 * time.Millisecond

	// batchLimit caps one push. Remaining pending rows go out on the
	// immediately following flush.
	batchLimit = 20

	// maxSendRetries is the number of server "error" verdicts a
	// transaction absorbs before it is marked failed and surfaced for
	// manual reconciliation.
	maxSendRetries = 10
)

// sendPolicy bounds per-transaction rejection retries, mirroring the
// merge engine's bounded optimistic-write policy. The attempts play
// out across flush ticks rather than in a loop.
var sendPolicy = retrypolicy.Policy{MaxAttempts: maxSendRetries}

// TxStore is the slice of the store the transaction sender drives.
type TxStore interface {
	PendingTransactions(workspaceID string, limit int) ([]models.Transaction, error)
	GetTransaction(workspaceID, id string) (*models.Transaction, error)
	MarkTransactionSent(workspaceID, id string, at time.Time) error
	MarkTransactionFailed(workspaceID, id string) error
	IncrementTransactionRetry(workspaceID, id string) error
}

// Sender delivers envelopes; false means "could not deliver now".
type Sender interface {
	Send(v any) bool
}

// TransactionSender flushes the durable outbox to the server in FIFO
// batches and settles rows from the server's per-item verdicts.
// Rows stay pending until an ack arrives, so a flush that races a
// slow ack can resend; the server deduplicates by transaction id.
type TransactionSender struct {
	workspaceID string
	store       TxStore
	sender      Sender
	logger      *slog.Logger
	kick        chan struct{}
}

func NewTransactionSender(workspaceID string, store TxStore, sender Sender, logger *slog.Logger) *TransactionSender {
	return &TransactionSender{
		workspaceID: workspaceID,
		store:       store,
		sender:      sender,
		logger:      logger,
		kick:        make(chan struct{}, 1),
	}
}

// Notify requests an early flush. Safe to call from any goroutine;
// coalesces while a flush is already scheduled.
func (t *TransactionSender) Notify() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is cancelled.
func (t *TransactionSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.flush()
		case <-t.kick:
			if !t.debounce(ctx) {
				return ctx.Err()
			}
			t.flush()
		}
	}
}

// debounce absorbs follow-up kicks for a short window so a burst of
// edits becomes one batch. Reports false when ctx was cancelled.
func (t *TransactionSender) debounce(ctx context.Context) bool {
	timer := time.NewTimer(sendDebounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.kick:
		case <-timer.C:
			return true
		}
	}
}

func (t *TransactionSender) flush() {
	pending, err := t.store.PendingTransactions(t.workspaceID, batchLimit)
	if err != nil {
		t.logger.Warn("reading pending transactions", slog.String("error", err.Error()))
		return
	}

	if len(pending) == 0 {
		return
	}

	push := wire.TransactionsPush{
		Type:         wire.TypeTransactionsPush,
		Transactions: make([]wire.TransactionPayload, 0, len(pending)),
	}
	for _, txn := range pending {
		push.Transactions = append(push.Transactions, wire.TransactionPayload{
			ID:        txn.ID,
			RootID:    txn.RootID,
			NodeID:    txn.NodeID,
			Operation: string(txn.Operation),
			Data:      txn.Data,
			CreatedAt: txn.CreatedAt,
			CreatedBy: txn.CreatedBy,
		})
	}

	if !t.sender.Send(push) {
		// Socket is down; rows stay pending for the next tick.
		return
	}

	t.logger.Debug("pushed transactions", slog.Int("count", len(push.Transactions)))
}

// HandleAck settles a batch from the server's verdicts. Registered on
// the connection for sync_ack envelopes.
func (t *TransactionSender) HandleAck(_ context.Context, data []byte) {
	var ack wire.SyncAck
	if err := json.Unmarshal(data, &ack); err != nil {
		t.logger.Warn("decoding sync ack", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()

	// Older servers ack with a bare id list and no per-item verdicts;
	// treat those as all-success.
	if len(ack.Results) == 0 {
		for _, id := range ack.TransactionIDs {
			t.settle(wire.AckResult{ID: id, Status: "success"}, now)
		}
		return
	}

	for _, res := range ack.Results {
		t.settle(res, now)
	}
}

func (t *TransactionSender) settle(res wire.AckResult, at time.Time) {
	if res.Status == "success" {
		if err := t.store.MarkTransactionSent(t.workspaceID, res.ID, at); err != nil {
			t.logger.Warn("marking transaction sent",
				slog.String("transaction", res.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := t.store.IncrementTransactionRetry(t.workspaceID, res.ID); err != nil {
		t.logger.Warn("recording transaction retry",
			slog.String("transaction", res.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	txn, err := t.store.GetTransaction(t.workspaceID, res.ID)
	if err != nil || txn == nil {
		return
	}

	if txn.RetryCount >= sendPolicy.MaxAttempts {
		t.logger.Warn("transaction rejected too many times, marking failed",
			slog.String("transaction", res.ID),
			slog.Int("retries", txn.RetryCount),
		)
		if err := t.store.MarkTransactionFailed(t.workspaceID, res.ID); err != nil {
			t.logger.Warn("marking transaction failed",
				slog.String("transaction", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
