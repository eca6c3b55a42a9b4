package merge

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/awray/huddle/internal/crdt"
	huddleerrors "github.com/awray/huddle/internal/errors"
	"github.com/awray/huddle/internal/events"
	"github.com/awray/huddle/internal/models"
	"github.com/awray/huddle/internal/store"
	"github.com/awray/huddle/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testWorkspace = "ws-test-001"

type recordedEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordedEvents) record(ev events.Event) {
	r.mu.Lock()
	r.kinds = append(r.kinds, ev.Kind())
	r.mu.Unlock()
}

func (r *recordedEvents) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}

	return false
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.InitWorkspace(testWorkspace))
	t.Cleanup(func() { s.Close() })

	return s
}

func testEngine(t *testing.T) (*Engine, *store.Store, *recordedEvents) {
	t.Helper()

	s := testStore(t)
	router := events.NewRouter()
	rec := &recordedEvents{}
	router.Subscribe(rec.record)

	e := NewEngine(testWorkspace, s, router, crdt.NewClock(), slog.Default())

	return e, s, rec
}

func mustUpdate(t *testing.T, attr string, value any, ts uint64, actor string) []byte {
	t.Helper()

	data, err := crdt.NewUpdate(attr, value, ts, actor)
	require.NoError(t, err)

	return data
}

func remotePayload(op, nodeID string, data []byte) wire.TransactionPayload {
	return wire.TransactionPayload{
		ID:              models.NewID(),
		RootID:          "root-1",
		NodeID:          nodeID,
		Operation:       op,
		Data:            data,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       "peer-1",
		ServerCreatedAt: time.Now().UTC(),
	}
}

func attrString(t *testing.T, s *store.Store, nodeID, attr string) string {
	t.Helper()

	n, err := s.GetNode(testWorkspace, nodeID)
	require.NoError(t, err)
	require.NotNil(t, n)

	return gjson.GetBytes(n.Attributes, attr).Str
}

// --- Apply: create/update ---

func TestApply_CreateMaterializesNode(t *testing.T) {
	e, s, rec := testEngine(t)

	p := remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))
	require.NoError(t, e.Apply(context.Background(), p))

	n, err := s.GetNode(testWorkspace, "n1")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "hello", gjson.GetBytes(n.Attributes, "title").Str)
	assert.NotEmpty(t, n.VersionID)
	assert.Equal(t, n.VersionID, n.ServerVersionID)
	require.NotNil(t, n.ServerCreatedAt)
	assert.True(t, rec.has("node_created"))
}

func TestApply_UpdateMergesIntoExistingNode(t *testing.T) {
	e, s, rec := testEngine(t)

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))))
	before, _ := s.GetNode(testWorkspace, "n1")

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("update", "n1", mustUpdate(t, "title", "goodbye", 2, "peer-2"))))

	after, err := s.GetNode(testWorkspace, "n1")
	require.NoError(t, err)
	assert.Equal(t, "goodbye", gjson.GetBytes(after.Attributes, "title").Str)
	assert.NotEqual(t, before.VersionID, after.VersionID)
	require.NotNil(t, after.ServerUpdatedAt)
	assert.True(t, rec.has("node_updated"))
}

func TestApply_UpdateOnMissingNodeMaterializesIt(t *testing.T) {
	e, s, _ := testEngine(t)

	// The first message a replica sees for an id may well be an
	// update; the node is created from it.
	require.NoError(t, e.Apply(context.Background(),
		remotePayload("update", "n1", mustUpdate(t, "title", "late join", 5, "peer-1"))))

	assert.Equal(t, "late join", attrString(t, s, "n1", "title"))
}

func TestApply_Idempotent(t *testing.T) {
	e, s, _ := testEngine(t)

	p := remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))
	require.NoError(t, e.Apply(context.Background(), p))
	first, _ := s.GetNode(testWorkspace, "n1")

	require.NoError(t, e.Apply(context.Background(), p))
	second, _ := s.GetNode(testWorkspace, "n1")

	// The replay merges to the same document state.
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, "hello", gjson.GetBytes(second.Attributes, "title").Str)
}

func TestApply_ConvergesEitherOrder(t *testing.T) {
	u1 := mustUpdate(t, "title", "first", 1, "peer-a")
	u2 := mustUpdate(t, "title", "second", 2, "peer-b")
	p1 := remotePayload("create", "n1", u1)
	p2 := remotePayload("update", "n1", u2)

	e1, s1, _ := testEngine(t)
	require.NoError(t, e1.Apply(context.Background(), p1))
	require.NoError(t, e1.Apply(context.Background(), p2))

	e2, s2, _ := testEngine(t)
	require.NoError(t, e2.Apply(context.Background(), p2))
	require.NoError(t, e2.Apply(context.Background(), p1))

	n1, _ := s1.GetNode(testWorkspace, "n1")
	n2, _ := s2.GetNode(testWorkspace, "n1")
	assert.Equal(t, n1.State, n2.State)
	assert.Equal(t, "second", gjson.GetBytes(n1.Attributes, "title").Str)
}

func TestApply_UnknownOperationDropped(t *testing.T) {
	e, s, _ := testEngine(t)

	p := remotePayload("rename", "n1", nil)
	require.NoError(t, e.Apply(context.Background(), p))

	n, err := s.GetNode(testWorkspace, "n1")
	require.NoError(t, err)
	assert.Nil(t, n)
}

// --- Apply: delete ---

func TestApply_DeleteRemovesNode(t *testing.T) {
	e, s, rec := testEngine(t)

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))))
	require.NoError(t, e.Apply(context.Background(), remotePayload("delete", "n1", nil)))

	n, err := s.GetNode(testWorkspace, "n1")
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.True(t, rec.has("node_deleted"))
}

func TestApply_DeleteMissingNodeIsNoOp(t *testing.T) {
	e, _, _ := testEngine(t)

	assert.NoError(t, e.Apply(context.Background(), remotePayload("delete", "ghost", nil)))
}

// --- Apply: contention ---

// conflictingStore wraps the real store and fails the first n
// optimistic writes, simulating a concurrent writer racing the merge.
type conflictingStore struct {
	*store.Store
	conflicts int
}

func (c *conflictingStore) UpdateNodeIf(workspaceID, id, expectedVersionID string, mutate func(*models.Node) error) error {
	if c.conflicts > 0 {
		c.conflicts--
		return huddleerrors.ErrVersionConflict
	}

	return c.Store.UpdateNodeIf(workspaceID, id, expectedVersionID, mutate)
}

func TestApply_RetriesThroughVersionConflicts(t *testing.T) {
	s := testStore(t)
	cs := &conflictingStore{Store: s, conflicts: 3}
	e := NewEngine(testWorkspace, cs, events.NewRouter(), crdt.NewClock(), slog.Default())

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))))

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("update", "n1", mustUpdate(t, "title", "contended", 2, "peer-2"))))

	assert.Equal(t, "contended", attrString(t, s, "n1", "title"))
}

func TestApply_ExhaustedRetriesSwallowed(t *testing.T) {
	s := testStore(t)
	cs := &conflictingStore{Store: s, conflicts: 1 << 30}
	e := NewEngine(testWorkspace, cs, events.NewRouter(), crdt.NewClock(), slog.Default())

	require.NoError(t, e.Apply(context.Background(),
		remotePayload("create", "n1", mustUpdate(t, "title", "hello", 1, "peer-1"))))

	// Every write attempt conflicts; the batch must not fail, the
	// transaction will be replayed later.
	err := e.Apply(context.Background(),
		remotePayload("update", "n1", mustUpdate(t, "title", "never lands", 2, "peer-2")))
	require.NoError(t, err)

	assert.Equal(t, "hello", attrString(t, s, "n1", "title"))
}

// --- Mutate / Delete (local writes) ---

func TestMutate_WritesNodeAndQueuesTransaction(t *testing.T) {
	e, s, rec := testEngine(t)

	require.NoError(t, e.Mutate(context.Background(), "root-1", "n1", "user-1", "title", "draft"))

	assert.Equal(t, "draft", attrString(t, s, "n1", "title"))

	pending, err := s.PendingTransactions(testWorkspace, 20)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OperationCreate, pending[0].Operation)
	assert.Equal(t, "n1", pending[0].NodeID)
	assert.Equal(t, "root-1", pending[0].RootID)
	assert.Equal(t, "user-1", pending[0].CreatedBy)
	assert.NotEmpty(t, pending[0].Data)

	assert.True(t, rec.has("transaction_queued"))
	assert.True(t, rec.has("node_created"))
}

func TestMutate_SecondEditIsAnUpdate(t *testing.T) {
	e, s, _ := testEngine(t)

	require.NoError(t, e.Mutate(context.Background(), "root-1", "n1", "user-1", "title", "draft"))
	require.NoError(t, e.Mutate(context.Background(), "root-1", "n1", "user-1", "title", "final"))

	assert.Equal(t, "final", attrString(t, s, "n1", "title"))

	n, _ := s.GetNode(testWorkspace, "n1")
	require.NotNil(t, n.UpdatedAt)
	assert.Equal(t, "user-1", n.UpdatedBy)

	pending, err := s.PendingTransactions(testWorkspace, 20)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.OperationCreate, pending[0].Operation)
	assert.Equal(t, models.OperationUpdate, pending[1].Operation)
}

func TestMutate_LaterLocalEditWinsOverOlderRemote(t *testing.T) {
	e, s, _ := testEngine(t)

	// Remote update with an ancient timestamp arrives after the local
	// edit; last writer wins, so the local value stays.
	require.NoError(t, e.Mutate(context.Background(), "root-1", "n1", "user-1", "title", "mine"))
	require.NoError(t, e.Apply(context.Background(),
		remotePayload("update", "n1", mustUpdate(t, "title", "stale", 1, "peer-1"))))

	assert.Equal(t, "mine", attrString(t, s, "n1", "title"))
}

func TestDelete_QueuesTombstoneAndRemovesRow(t *testing.T) {
	e, s, rec := testEngine(t)

	require.NoError(t, e.Mutate(context.Background(), "root-1", "n1", "user-1", "title", "doomed"))
	require.NoError(t, e.Delete("root-1", "n1", "user-1"))

	n, err := s.GetNode(testWorkspace, "n1")
	require.NoError(t, err)
	assert.Nil(t, n)

	pending, err := s.PendingTransactions(testWorkspace, 20)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.OperationDelete, pending[1].Operation)
	assert.Empty(t, pending[1].Data)

	assert.True(t, rec.has("node_deleted"))
}
