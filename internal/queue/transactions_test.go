package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/awray/huddle/internal/models"
	"github.com/awray/huddle/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspace = "ws-test-001"

type fakeTxStore struct {
	txns []models.Transaction
}

func (f *fakeTxStore) add(id string) {
	f.txns = append(f.txns, models.Transaction{
		ID:        id,
		RootID:    "root-1",
		NodeID:    "node-" + id,
		Operation: models.OperationUpdate,
		Data:      []byte(`{}`),
		CreatedAt: time.Now().UTC(),
		CreatedBy: "user-1",
		Status:    models.TransactionPending,
	})
}

func (f *fakeTxStore) find(id string) *models.Transaction {
	for i := range f.txns {
		if f.txns[i].ID == id {
			return &f.txns[i]
		}
	}

	return nil
}

func (f *fakeTxStore) PendingTransactions(_ string, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, txn := range f.txns {
		if txn.Status == models.TransactionPending && len(out) < limit {
			out = append(out, txn)
		}
	}

	return out, nil
}

func (f *fakeTxStore) GetTransaction(_ string, id string) (*models.Transaction, error) {
	txn := f.find(id)
	if txn == nil {
		return nil, nil
	}

	copied := *txn

	return &copied, nil
}

func (f *fakeTxStore) MarkTransactionSent(_ string, id string, at time.Time) error {
	if txn := f.find(id); txn != nil {
		txn.Status = models.TransactionSent
		txn.SentAt = &at
	}

	return nil
}

func (f *fakeTxStore) MarkTransactionFailed(_ string, id string) error {
	if txn := f.find(id); txn != nil {
		txn.Status = models.TransactionFailed
	}

	return nil
}

func (f *fakeTxStore) IncrementTransactionRetry(_ string, id string) error {
	if txn := f.find(id); txn != nil {
		txn.RetryCount++
	}

	return nil
}

type fakeSender struct {
	ok   bool
	sent []any
}

func (f *fakeSender) Send(v any) bool {
	f.sent = append(f.sent, v)

	return f.ok
}

func newTestTransactionSender(t *testing.T) (*TransactionSender, *fakeTxStore, *fakeSender) {
	t.Helper()

	store := &fakeTxStore{}
	sender := &fakeSender{ok: true}
	ts := NewTransactionSender(testWorkspace, store, sender, slog.Default())

	return ts, store, sender
}

// --- flush ---

func TestFlush_PushesPendingInFIFOOrder(t *testing.T) {
	ts, store, sender := newTestTransactionSender(t)
	store.add("a")
	store.add("b")
	store.add("c")

	ts.flush()

	require.Len(t, sender.sent, 1)
	push, ok := sender.sent[0].(wire.TransactionsPush)
	require.True(t, ok)
	assert.Equal(t, wire.TypeTransactionsPush, push.Type)
	require.Len(t, push.Transactions, 3)
	assert.Equal(t, "a", push.Transactions[0].ID)
	assert.Equal(t, "b", push.Transactions[1].ID)
	assert.Equal(t, "c", push.Transactions[2].ID)
}

func TestFlush_EmptyOutboxSendsNothing(t *testing.T) {
	ts, _, sender := newTestTransactionSender(t)

	ts.flush()

	assert.Empty(t, sender.sent)
}

func TestFlush_RespectsBatchLimit(t *testing.T) {
	ts, store, sender := newTestTransactionSender(t)
	for i := 0; i < 25; i++ {
		store.add(models.NewID())
	}

	ts.flush()

	require.Len(t, sender.sent, 1)
	push := sender.sent[0].(wire.TransactionsPush)
	assert.Len(t, push.Transactions, batchLimit)
}

func TestFlush_SocketDownLeavesRowsPending(t *testing.T) {
	ts, store, sender := newTestTransactionSender(t)
	sender.ok = false
	store.add("a")

	ts.flush()

	assert.Equal(t, models.TransactionPending, store.find("a").Status)
}

func TestFlush_RowsStayPendingUntilAck(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")

	ts.flush()

	// Delivery alone settles nothing; only the ack does.
	assert.Equal(t, models.TransactionPending, store.find("a").Status)
}

// --- HandleAck ---

func ackJSON(t *testing.T, results ...wire.AckResult) []byte {
	t.Helper()

	ack := wire.SyncAck{Type: wire.TypeSyncAck, Results: results}
	for _, r := range results {
		ack.TransactionIDs = append(ack.TransactionIDs, r.ID)
	}

	data, err := json.Marshal(ack)
	require.NoError(t, err)

	return data
}

func TestHandleAck_SuccessMarksSent(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")

	ts.HandleAck(context.Background(), ackJSON(t, wire.AckResult{ID: "a", Status: "success"}))

	txn := store.find("a")
	assert.Equal(t, models.TransactionSent, txn.Status)
	assert.NotNil(t, txn.SentAt)
}

func TestHandleAck_ErrorIncrementsRetryKeepsPending(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")

	ts.HandleAck(context.Background(), ackJSON(t, wire.AckResult{ID: "a", Status: "error"}))

	txn := store.find("a")
	assert.Equal(t, models.TransactionPending, txn.Status)
	assert.Equal(t, 1, txn.RetryCount)
}

func TestHandleAck_RepeatedRejectionsMarkFailed(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")
	store.find("a").RetryCount = maxSendRetries - 1

	ts.HandleAck(context.Background(), ackJSON(t, wire.AckResult{ID: "a", Status: "error"}))

	assert.Equal(t, models.TransactionFailed, store.find("a").Status)
}

func TestHandleAck_MixedVerdicts(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")
	store.add("b")

	ts.HandleAck(context.Background(), ackJSON(t,
		wire.AckResult{ID: "a", Status: "success"},
		wire.AckResult{ID: "b", Status: "error"},
	))

	assert.Equal(t, models.TransactionSent, store.find("a").Status)
	assert.Equal(t, models.TransactionPending, store.find("b").Status)
	assert.Equal(t, 1, store.find("b").RetryCount)
}

func TestHandleAck_BareIDListTreatedAsSuccess(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")

	data, err := json.Marshal(wire.SyncAck{Type: wire.TypeSyncAck, TransactionIDs: []string{"a"}})
	require.NoError(t, err)

	ts.HandleAck(context.Background(), data)

	assert.Equal(t, models.TransactionSent, store.find("a").Status)
}

func TestHandleAck_UnknownTransactionIgnored(t *testing.T) {
	ts, _, _ := newTestTransactionSender(t)

	ts.HandleAck(context.Background(), ackJSON(t, wire.AckResult{ID: "ghost", Status: "success"}))
}

func TestHandleAck_MalformedJSON(t *testing.T) {
	ts, store, _ := newTestTransactionSender(t)
	store.add("a")

	ts.HandleAck(context.Background(), []byte(`{broken`))

	assert.Equal(t, models.TransactionPending, store.find("a").Status)
}

// --- Notify ---

func TestNotify_CoalescesKicks(t *testing.T) {
	ts, _, _ := newTestTransactionSender(t)

	// Repeated notifies while no flush ran must not block.
	for i := 0; i < 100; i++ {
		ts.Notify()
	}
}
