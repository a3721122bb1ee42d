// Package storage defines the transactional store boundary for YapDatabase and
// provides its built-in backends.
//
// A Store is the base engine a Database persists rows into. Each database
// connection holds one Conn (a store session); transaction demarcation happens
// through prepared Statement handles the session owns:
//
//   - BeginStatement / CommitStatement / RollbackStatement return the handle for
//     that boundary, or nil when the store needs no explicit step there (the
//     "not applicable" sentinel; the memory store's begin is an example).
//   - A statement is borrowed for exactly one Exec-then-Reset cycle per call.
//     Callers must Reset on every path, success or failure, and must not retain
//     the handle between calls.
//
// Data operations on a Conn act inside the currently demarcated transaction and
// observe its own writes. Extension rows are a separate per-extension key area
// that shares the same commit boundary as ordinary rows.
//
// Backends:
//
//   - BadgerStore: BadgerDB engine, the default. Real demarcation statements
//     over badger's native transactions.
//   - SQLiteStore: single-file SQLite database with genuine prepared
//     BEGIN/COMMIT/ROLLBACK statements and WAL journaling.
//   - MemoryStore: map-backed store with per-session buffered writes; useful
//     for tests and ephemeral databases.
//
// Thread Safety:
//
//	A Store may be shared between connections. A Conn is confined to one
//	connection's serialized transaction stream and is not safe for concurrent
//	use.
package storage

import "errors"

// Store-level errors shared by all backends.
var (
	// ErrKeyNotFound is returned when a row or extension row does not exist.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrStoreClosed is returned for operations on a closed store or session.
	ErrStoreClosed = errors.New("storage: store is closed")

	// ErrNoTransaction is returned when a data operation runs outside a
	// demarcated transaction.
	ErrNoTransaction = errors.New("storage: no transaction in progress")

	// ErrTransactionActive is returned when a begin statement executes while
	// the session already has a transaction in progress.
	ErrTransactionActive = errors.New("storage: transaction already in progress")

	// ErrReadOnly is returned when a write reaches a read-only transaction.
	ErrReadOnly = errors.New("storage: transaction is read-only")

	// ErrInvalidKey is returned when a collection, key, or extension name
	// contains a NUL byte, which the key framing reserves as a separator.
	ErrInvalidKey = errors.New("storage: collection, key, and extension names must not contain NUL")
)

// Row is one stored record: a collection/key pair with an encoded object and
// optional encoded metadata. Object and Metadata are opaque to the store; the
// database codec produces them.
type Row struct {
	Collection string
	Key        string
	Object     []byte
	Metadata   []byte
}

// Statement is a prepared transaction-demarcation statement owned by a Conn.
//
// Exec runs the statement once. Reset returns the borrowed handle to its
// session and must be called after every Exec, on success and on failure.
type Statement interface {
	Exec() error
	Reset()
}

// RowIterator walks the rows of one collection in ascending key order,
// including writes pending in the current transaction.
//
// Usage:
//
//	it := conn.NewRowIterator("books", false)
//	defer it.Close()
//	for it.Next() {
//	    row := it.Row()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type RowIterator interface {
	Next() bool
	Row() *Row
	Err() error
	Close()
}

// ExtensionRowIterator walks an extension's key area in ascending byte order of
// keys, restricted to an optional key prefix.
type ExtensionRowIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close()
}

// Conn is one session against a Store. It owns the session's prepared
// demarcation statements and runs every data operation inside the currently
// demarcated transaction.
type Conn interface {
	// BeginStatement returns the statement that opens a transaction of the
	// given kind, or nil when the store demarcates implicitly.
	BeginStatement(writable bool) Statement

	// CommitStatement returns the statement that ends the current transaction,
	// persisting writes when it was writable. Nil when not applicable.
	CommitStatement(writable bool) Statement

	// RollbackStatement returns the statement that ends the current writable
	// transaction discarding its writes. Nil when not applicable.
	RollbackStatement() Statement

	// Get returns the row stored under collection/key, or ErrKeyNotFound.
	Get(collection, key string) (*Row, error)

	// Set stores a row, replacing any previous row under the same
	// collection/key.
	Set(row *Row) error

	// Delete removes the row under collection/key. Deleting an absent row
	// returns ErrKeyNotFound.
	Delete(collection, key string) error

	// DeleteCollection removes every row in the collection and reports how
	// many were removed.
	DeleteCollection(collection string) (int, error)

	// Count reports the number of rows in the collection.
	Count(collection string) (int, error)

	// Collections returns the distinct collection names in ascending order.
	Collections() ([]string, error)

	// NewRowIterator iterates the collection in ascending key order. With
	// keysOnly set, Row values carry no Object/Metadata (backends may skip
	// value loading).
	NewRowIterator(collection string, keysOnly bool) RowIterator

	// GetExtensionRow returns the extension row under key, or ErrKeyNotFound.
	GetExtensionRow(extension string, key []byte) ([]byte, error)

	// SetExtensionRow stores an extension row.
	SetExtensionRow(extension string, key, value []byte) error

	// DeleteExtensionRow removes an extension row; absent rows are not an
	// error (extensions unwind speculative state).
	DeleteExtensionRow(extension string, key []byte) error

	// NewExtensionRowIterator iterates the extension's rows whose keys start
	// with prefix, in ascending key order. A nil prefix iterates all rows.
	NewExtensionRowIterator(extension string, prefix []byte) ExtensionRowIterator

	// DeleteExtensionRows removes the extension's entire key area and reports
	// how many rows were removed.
	DeleteExtensionRows(extension string) (int, error)

	// Close releases the session. Any open transaction is discarded.
	Close() error
}

// Store is a transactional base engine.
type Store interface {
	// NewConn opens a session. Sessions are independent: concurrent readers
	// are permitted and writers serialize per the engine's isolation rules.
	NewConn() (Conn, error)

	// Close releases the store. Sessions must be closed first.
	Close() error
}

// ValidateName rejects collection/key/extension names the key framing cannot
// represent.
func ValidateName(parts ...string) error {
	for _, p := range parts {
		for i := 0; i < len(p); i++ {
			if p[i] == 0x00 {
				return ErrInvalidKey
			}
		}
	}
	return nil
}
