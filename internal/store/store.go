package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	huddleerrors "github.com/awray/huddle/internal/errors"
	"github.com/awray/huddle/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

var cursorsBucket = []byte("cursors")

func nodesBucket(workspaceID string) []byte {
	return []byte("workspace:" + workspaceID + ":nodes")
}

func transactionsBucket(workspaceID string) []byte {
	return []byte("workspace:" + workspaceID + ":transactions")
}

func interactionsBucket(workspaceID string) []byte {
	return []byte("workspace:" + workspaceID + ":interactions")
}

// Store wraps a bbolt database holding the full local replica: node
// rows, the outbound transaction log, interaction events, and the
// per-stream sync cursors.
//
// Every write that can race with another writer (node updates) goes
// through the compare-and-swap versionId check in UpdateNodeIf. All
// other buckets are owned by exactly one component and need only
// per-row atomic updates, which bolt transactions provide.
type Store struct {
	db *bolt.DB
}

// LoadAt opens a database at the given path, creating it if it does
// not exist.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitWorkspace ensures the buckets for a workspace exist. Call once
// after selecting the workspace.
func (s *Store) InitWorkspace(workspaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(nodesBucket(workspaceID)); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(transactionsBucket(workspaceID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(interactionsBucket(workspaceID))

		return err
	})
}

// --- Nodes ---

// GetNode returns the node row for an id, or nil if not found.
func (s *Store) GetNode(workspaceID, id string) (*models.Node, error) {
	var n *models.Node

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(workspaceID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		n = &models.Node{}

		return json.Unmarshal(v, n)
	})

	return n, err
}

// CreateNodeIfAbsent inserts the node only when no row exists for its
// id, reporting whether it wrote. A false return means a concurrent
// writer won the race and the caller should fall through to the
// update path.
func (s *Store) CreateNodeIfAbsent(workspaceID string, n models.Node) (bool, error) {
	inserted := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("nodes bucket not initialized for workspace %s", workspaceID)
		}

		if b.Get([]byte(n.ID)) != nil {
			return nil
		}

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		inserted = true

		return b.Put([]byte(n.ID), data)
	})

	return inserted, err
}

// UpdateNodeIf applies mutate to the current row only if its
// versionId still matches the token the caller observed at read time.
// Returns ErrVersionConflict when another writer changed the row in
// between, ErrNodeNotFound when the row is gone.
func (s *Store) UpdateNodeIf(workspaceID, id, expectedVersionID string, mutate func(*models.Node) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("nodes bucket not initialized for workspace %s", workspaceID)
		}

		v := b.Get([]byte(id))
		if v == nil {
			return huddleerrors.ErrNodeNotFound
		}

		var n models.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}

		if n.VersionID != expectedVersionID {
			return huddleerrors.ErrVersionConflict
		}

		if err := mutate(&n); err != nil {
			return err
		}

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// DeleteNode removes a node row. Deleting a missing row is a no-op:
// tombstone transactions are replayed at-least-once.
func (s *Store) DeleteNode(workspaceID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(workspaceID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// --- Transactions ---

// AppendTransaction appends a mutation record to the durable outbox.
// The store assigns the local sequence number that preserves the FIFO
// order of a user's own edits.
func (s *Store) AppendTransaction(workspaceID string, txn models.Transaction) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("transactions bucket not initialized for workspace %s", workspaceID)
		}

		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}

		txn.Seq = seq
		if txn.Status == "" {
			txn.Status = models.TransactionPending
		}

		data, err := json.Marshal(txn)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})

	return seq, err
}

// PendingTransactions returns up to limit pending transactions in
// local insertion order.
func (s *Store) PendingTransactions(workspaceID string, limit int) ([]models.Transaction, error) {
	var result []models.Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket(workspaceID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil && len(result) < limit; k, v = c.Next() {
			var txn models.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return err
			}

			if txn.Status == models.TransactionPending {
				result = append(result, txn)
			}
		}

		return nil
	})

	return result, err
}

// GetTransaction returns a transaction by id, or nil if not found.
func (s *Store) GetTransaction(workspaceID, id string) (*models.Transaction, error) {
	var found *models.Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket(workspaceID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var txn models.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return err
			}

			if txn.ID == id {
				found = &txn
			}

			return nil
		})
	})

	return found, err
}

// MarkTransactionSent records terminal successful delivery.
func (s *Store) MarkTransactionSent(workspaceID, id string, at time.Time) error {
	return s.mutateTransaction(workspaceID, id, func(txn *models.Transaction) {
		txn.Status = models.TransactionSent
		txn.SentAt = &at
	})
}

// MarkTransactionFailed records a terminal server rejection. The row
// stays visible to the user-facing layer for manual reconciliation.
func (s *Store) MarkTransactionFailed(workspaceID, id string) error {
	return s.mutateTransaction(workspaceID, id, func(txn *models.Transaction) {
		txn.Status = models.TransactionFailed
	})
}

// IncrementTransactionRetry bumps the retry counter, leaving the row
// pending for the next tick.
func (s *Store) IncrementTransactionRetry(workspaceID, id string) error {
	return s.mutateTransaction(workspaceID, id, func(txn *models.Transaction) {
		txn.RetryCount++
	})
}

func (s *Store) mutateTransaction(workspaceID, id string, mutate func(*models.Transaction)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("transactions bucket not initialized for workspace %s", workspaceID)
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var txn models.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return err
			}

			if txn.ID != id {
				continue
			}

			mutate(&txn)

			data, err := json.Marshal(txn)
			if err != nil {
				return err
			}

			return b.Put(k, data)
		}

		return nil
	})
}

// --- Interaction events ---

// RecordInteraction persists a presence/read signal for delivery.
func (s *Store) RecordInteraction(workspaceID string, ev models.InteractionEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(interactionsBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("interactions bucket not initialized for workspace %s", workspaceID)
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		return b.Put([]byte(ev.ID), data)
	})
}

// DueInteractions returns events eligible for (re)send: never sent,
// or sent longer than cutoff ago and still unconfirmed. Ordered by id
// (ids are time-sortable, so this is insertion order).
func (s *Store) DueInteractions(workspaceID string, now time.Time, cutoff time.Duration) ([]models.InteractionEvent, error) {
	var result []models.InteractionEvent
	threshold := now.Add(-cutoff)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(interactionsBucket(workspaceID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var ev models.InteractionEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			if ev.SentAt == nil || ev.SentAt.Before(threshold) {
				result = append(result, ev)
			}

			return nil
		})
	})

	return result, err
}

// MarkInteractionSent stamps the send time and bumps the send
// counter, returning the new count so the caller can prune.
func (s *Store) MarkInteractionSent(workspaceID, id string, at time.Time) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(interactionsBucket(workspaceID))
		if b == nil {
			return fmt.Errorf("interactions bucket not initialized for workspace %s", workspaceID)
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var ev models.InteractionEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return err
		}

		ev.SentAt = &at
		ev.SentCount++
		count = ev.SentCount

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})

	return count, err
}

// DeleteInteraction hard-deletes an event. Used to prune rows that
// exceeded the send cap: best-effort signals, not durable data.
func (s *Store) DeleteInteraction(workspaceID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(interactionsBucket(workspaceID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// --- Cursors ---

// GetCursor returns the persisted watermark for a stream, defaulting
// to zero.
func (s *Store) GetCursor(key string) (uint64, error) {
	var value uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		if len(v) != 8 {
			return fmt.Errorf("malformed cursor value for stream %s", key)
		}

		value = binary.BigEndian.Uint64(v)

		return nil
	})

	return value, err
}

// SetCursor advances the watermark for a stream. The cursor never
// moves backward: an equal value is a no-op, a lower one returns
// ErrCursorRegressed since it signals a caller bug.
func (s *Store) SetCursor(key string, value uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorsBucket)

		if v := b.Get([]byte(key)); v != nil && len(v) == 8 {
			stored := binary.BigEndian.Uint64(v)
			if value == stored {
				return nil
			}
			if value < stored {
				return huddleerrors.ErrCursorRegressed
			}
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value)

		return b.Put([]byte(key), buf)
	})
}

// DeleteCursor removes the watermark row when a subscription is
// permanently torn down.
func (s *Store) DeleteCursor(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Delete([]byte(key))
	})
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)

	return buf
}
