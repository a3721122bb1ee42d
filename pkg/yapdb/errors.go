package yapdb

import (
	"errors"

	"github.com/nolanw/YapDatabase/pkg/storage"
)

// Core errors. Store-level errors pass through data operations unwrapped;
// these cover the transaction layer itself.
var (
	// ErrKeyNotFound is the storage error, re-exported so callers matching
	// with errors.Is need only this package.
	ErrKeyNotFound = storage.ErrKeyNotFound

	// ErrConcurrentMutation is returned by an enumeration whose transaction
	// mutated the database mid-walk without setting the callback's stop flag.
	ErrConcurrentMutation = errors.New("yapdb: mutation during enumeration")

	// ErrTransactionClosed is returned by operations on a transaction that
	// already committed or rolled back.
	ErrTransactionClosed = errors.New("yapdb: transaction has completed")

	// ErrReadOnlyTransaction is returned by writes on a read-only transaction.
	ErrReadOnlyTransaction = errors.New("yapdb: transaction is read-only")

	// ErrDatabaseClosed is returned once the database has shut down.
	ErrDatabaseClosed = errors.New("yapdb: database is closed")

	// ErrConnectionClosed is returned by transactions started on a closed
	// connection.
	ErrConnectionClosed = errors.New("yapdb: connection is closed")

	// ErrInvalidKey is returned when a collection, key, or extension name
	// contains a NUL byte.
	ErrInvalidKey = errors.New("yapdb: invalid collection, key, or extension name")

	// ErrExtensionRegistered is returned when an extension name is registered
	// twice.
	ErrExtensionRegistered = errors.New("yapdb: extension name already registered")
)
