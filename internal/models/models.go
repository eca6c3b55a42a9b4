package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a transaction records.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// TransactionStatus tracks outbound delivery of a transaction.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSent    TransactionStatus = "sent"
	TransactionFailed  TransactionStatus = "failed"
)

// Node is a CRDT-backed workspace entity (message, page, record, file).
// State is the opaque binary document and is the source of truth;
// Attributes is always exactly the snapshot derived from State and is
// never written independently.
type Node struct {
	ID         string          `json:"id"`
	State      []byte          `json:"state"`
	Attributes json.RawMessage `json:"attributes"`

	// VersionID is regenerated on every local or merged mutation and
	// serves as the optimistic-concurrency token.
	VersionID string `json:"version_id"`

	CreatedAt time.Time  `json:"created_at"`
	CreatedBy string     `json:"created_by"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`

	ServerCreatedAt *time.Time `json:"server_created_at,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`

	// ServerVersionID is the last version the server acknowledged.
	ServerVersionID string `json:"server_version_id,omitempty"`
}

// Transaction is one append-only log record of a mutation to a
// root-scoped entity. Transactions are the unit of replication in
// both directions.
type Transaction struct {
	ID        string    `json:"id"`
	RootID    string    `json:"root_id"`
	NodeID    string    `json:"node_id"`
	Operation Operation `json:"operation"`

	// Data is the CRDT update payload. Absent for deletes.
	Data []byte `json:"data,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	CreatedBy       string     `json:"created_by"`
	ServerCreatedAt *time.Time `json:"server_created_at,omitempty"`

	// Version is the workspace-scoped server sequence number, the
	// source of the sync cursor. Zero until the server assigns it.
	Version uint64 `json:"version,omitempty"`

	Status     TransactionStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`

	// Seq is the local insertion order, assigned by the store. It
	// preserves the FIFO order of a user's own edits.
	Seq uint64 `json:"seq"`
}

// InteractionEvent is a best-effort presence/read signal (seen,
// opened, reaction). Unlike transactions these may be dropped after
// enough delivery attempts.
type InteractionEvent struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	RootID    string    `json:"root_id"`
	Attribute string    `json:"attribute"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	SentCount int        `json:"sent_count"`
}

// NewID returns a globally unique, sortable id. UUIDv7 encodes
// creation order in its timestamp prefix.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewVersionID returns a fresh opaque optimistic-concurrency token.
func NewVersionID() string {
	return uuid.NewString()
}
