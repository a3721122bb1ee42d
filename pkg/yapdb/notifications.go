package yapdb

import "time"

// ChangeOp identifies what a ChangeRecord did.
type ChangeOp uint8

const (
	// OpSet records a row insert or replace.
	OpSet ChangeOp = iota + 1
	// OpDelete records a single-row delete.
	OpDelete
	// OpDeleteCollection records a whole-collection delete. Key is empty.
	OpDeleteCollection
)

func (op ChangeOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpDeleteCollection:
		return "delete-collection"
	}
	return "unknown"
}

// ChangeRecord is one mutation in a transaction's ordered change log. The log
// feeds commit notifications, read-cache maintenance, and extension changeset
// computation.
type ChangeRecord struct {
	Op         ChangeOp
	Collection string
	Key        string
}

// CommitNotification describes one committed read-write transaction. Handlers
// registered with Database.OnCommit receive it synchronously on the
// committing goroutine, after the base store's commit statement has executed.
type CommitNotification struct {
	// TxID identifies the transaction.
	TxID string

	// ConnectionID identifies the connection that ran it.
	ConnectionID string

	// Snapshot is the database's monotonic commit counter after this commit.
	// Zero when the commit statement failed.
	Snapshot uint64

	// Payload is whatever the transaction set with SetNotificationPayload.
	Payload any

	// Changes is the transaction's ordered change log.
	Changes []ChangeRecord

	// Started and Committed bound the transaction's lifetime.
	Started   time.Time
	Committed time.Time

	// Err is the commit statement's absorbed error, if any. The transaction
	// still terminated; handlers that care about durability must check it.
	Err error
}
