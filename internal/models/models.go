package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a write queue entry carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueStatus is the lifecycle state of a write queue entry. Acknowledged
// entries are removed from the queue rather than kept in a terminal state.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueuePoisoned QueueStatus = "poisoned"
)

// Record is the local view of one business entity. Business fields are
// opaque to the sync core; everything else is local bookkeeping.
type Record struct {
	Collection     string
	ID             string
	Fields         map[string]any
	ServerRevision string // opaque version token, empty if never confirmed
	LocalRevision  int64
	Dirty          bool
	Deleted        bool
	UpdatedAt      time.Time
}

// QueueEntry is one pending mutation awaiting server acknowledgement.
type QueueEntry struct {
	Seq        int64
	MutationID string // idempotency key, sent with every push attempt
	Collection string
	RecordID   string
	Operation  Operation
	Payload    json.RawMessage
	Status     QueueStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// Identity is the authenticated user summary returned by the server and
// cached for offline use.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// DeferredChange is a server record value that arrived while a local
// mutation for the same record was still unacknowledged. It is buffered
// durably and applied once the local mutation completes.
type DeferredChange struct {
	Collection     string
	RecordID       string
	EventType      string // "update" or "delete"
	Fields         map[string]any
	ServerRevision string
	ReceivedAt     time.Time
}
