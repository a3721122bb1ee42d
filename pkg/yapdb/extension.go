package yapdb

import "sort"

// Extension is a pluggable unit of derived state (a secondary index, a
// materialized view, a search index) that rides inside the database's commit
// boundary. The database holds one Extension per registered name; each
// Connection lazily makes one ExtensionConnection from it, and each
// Transaction lazily makes one ExtensionTransaction from that.
type Extension interface {
	// NewConnection binds the extension to a database connection.
	NewConnection(conn *Connection) ExtensionConnection
}

// ExtensionConnection is the per-connection half of an extension. It lives as
// long as its Connection and typically holds connection-scoped caches.
type ExtensionConnection interface {
	// NewReadTransaction creates the extension transaction for a read-only
	// core transaction.
	NewReadTransaction(tx *Transaction) ExtensionTransaction

	// NewReadWriteTransaction creates the extension transaction for a
	// read-write core transaction.
	NewReadWriteTransaction(tx *Transaction) ExtensionTransaction
}

// ExtensionTransaction is bound to exactly one core Transaction. The core
// drives it through the two-phase commit protocol; everything it persists
// must go through its Transaction's extension-row operations so that it lands
// inside the same atomic boundary as the row data.
type ExtensionTransaction interface {
	// PrepareIfNeeded runs once, immediately after creation. Returning false
	// excludes the extension for the remainder of the transaction: it is not
	// cached, not retried, and resolution of it yields nil. Other extensions
	// are unaffected.
	PrepareIfNeeded() bool

	// PreCommitTransaction runs on every cached extension transaction of a
	// committing read-write transaction, before any CommitTransaction runs.
	// Work here stays in memory.
	PreCommitTransaction()

	// CommitTransaction runs after every PreCommitTransaction has completed
	// and strictly before the base store's commit statement executes. This is
	// the only place an extension persists.
	CommitTransaction()
}

// Extension resolves the named extension transaction, creating and preparing
// it on first use within this transaction. The same name returns the
// identical instance for the transaction's entire lifetime. Resolution order:
// cached instance; nil after a bulk Extensions() call already forced the full
// set; nil if preparation already excluded the name this transaction; nil if
// the name is unregistered; otherwise instantiate the variant matching the
// transaction's mode and prepare it.
func (t *Transaction) Extension(name string) ExtensionTransaction {
	if t.state != txActive && t.state != txPreCommitted {
		return nil
	}
	if extTx, ok := t.extensions[name]; ok {
		return extTx
	}
	if t.extensionsReady {
		return nil
	}
	if _, ok := t.excluded[name]; ok {
		return nil
	}

	extConn := t.conn.extensionConnection(name)
	if extConn == nil {
		return nil
	}

	var extTx ExtensionTransaction
	if t.writable {
		extTx = extConn.NewReadWriteTransaction(t)
	} else {
		extTx = extConn.NewReadTransaction(t)
	}
	if extTx == nil || !extTx.PrepareIfNeeded() {
		t.excluded[name] = struct{}{}
		return nil
	}
	t.extensions[name] = extTx
	return extTx
}

// Ext is the short spelling of Extension. It is a plain compile-time
// delegation, so both names are always the same operation.
func (t *Transaction) Ext(name string) ExtensionTransaction {
	return t.Extension(name)
}

// Extensions forces resolution of every registered extension and returns the
// cache. After it runs, per-name resolution is a pure cache read: names that
// failed to prepare, or were registered after this call, resolve to nil for
// the rest of the transaction.
func (t *Transaction) Extensions() map[string]ExtensionTransaction {
	if t.state != txActive && t.state != txPreCommitted {
		return nil
	}
	if !t.extensionsReady {
		for _, name := range t.conn.db.extensionNames() {
			t.Extension(name)
		}
		t.extensionsReady = true
	}
	return t.extensions
}

// sortedExtensionNames returns the cache's names in sorted order. Hook
// dispatch uses it so the two-phase ordering is stable run to run.
func sortedExtensionNames(extensions map[string]ExtensionTransaction) []string {
	names := make([]string, 0, len(extensions))
	for name := range extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
