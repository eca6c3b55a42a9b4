package wire

import (
	"fmt"
	"strconv"
	"time"
)

// Envelope type tags. Every message on the connection carries a
// "type" field that the connection manager dispatches on.
const (
	TypeSyncRequest      = "sync_request"
	TypeSyncResponse     = "sync_response"
	TypeTransactionsPush = "transactions_push"
	TypeSyncAck          = "sync_ack"
	TypeInteractionsPush = "interactions_push"
	TypeNodeChanged      = "node_changed"
	TypePing             = "ping"
	TypePong             = "pong"
)

// GenericMessage is used to decode the "type" field before dispatching.
type GenericMessage struct {
	Type string `json:"type"`
}

// Ping is the keepalive message.
type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping { return Ping{Type: TypePing} }

// TransactionPayload is a transaction on the wire.
type TransactionPayload struct {
	ID              string    `json:"id"`
	RootID          string    `json:"rootId"`
	NodeID          string    `json:"nodeId"`
	Operation       string    `json:"operation"`
	Data            []byte    `json:"data,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	CreatedBy       string    `json:"createdBy"`
	ServerCreatedAt time.Time `json:"serverCreatedAt,omitempty"`
	Version         uint64    `json:"version,string,omitempty"`
}

// SyncRequest is a cursor-based pull request for one stream.
type SyncRequest struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	StreamID string `json:"streamId"`
	Cursor   string `json:"cursor"`
}

// SyncItem is one pulled transaction with its stream cursor.
type SyncItem struct {
	Cursor string             `json:"cursor"`
	Data   TransactionPayload `json:"data"`
}

// SyncResponse carries one batch of pulled items for a stream.
type SyncResponse struct {
	Type     string     `json:"type"`
	StreamID string     `json:"streamId"`
	Items    []SyncItem `json:"items"`
}

// TransactionsPush submits local pending transactions to the server.
type TransactionsPush struct {
	Type         string               `json:"type"`
	Transactions []TransactionPayload `json:"transactions"`
}

// AckResult is the server's per-transaction verdict.
type AckResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "success" or "error"
}

// SyncAck acknowledges a TransactionsPush.
type SyncAck struct {
	Type           string      `json:"type"`
	TransactionIDs []string    `json:"transactionIds"`
	Results        []AckResult `json:"results"`
}

// InteractionPayload is one interaction event on the wire.
type InteractionPayload struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	RootID    string    `json:"rootId"`
	Attribute string    `json:"attribute"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// InteractionsPush batches all pending interaction events for one node.
type InteractionsPush struct {
	Type   string               `json:"type"`
	NodeID string               `json:"nodeId"`
	Events []InteractionPayload `json:"events"`
}

// NodeChanged is an out-of-band server hint that new transactions
// exist for a stream. It triggers an immediate pull instead of
// waiting for the next timer tick.
type NodeChanged struct {
	Type     string `json:"type"`
	NodeID   string `json:"nodeId"`
	StreamID string `json:"streamId"`
}

// FormatCursor renders a cursor for the wire as a decimal string.
func FormatCursor(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// ParseCursor decodes a wire cursor.
func ParseCursor(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cursor %q: %w", s, err)
	}
	return v, nil
}
