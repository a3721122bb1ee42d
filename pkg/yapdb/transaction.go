package yapdb

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/storage"
)

// Transaction states. Exactly one terminal transition happens per
// transaction: commit or rollback, never both.
const (
	txActive = iota
	txPreCommitted
	txCommitted
	txRolledBack
)

// cacheOp mirrors one change record with the decoded values needed for
// commit-time cache maintenance.
type cacheOp struct {
	op           ChangeOp
	collection   string
	key          string
	object       any
	metadata     any
	metadataOnly bool
}

// Transaction is one atomic unit of work. Read-only transactions observe a
// snapshot; read-write transactions additionally buffer writes in the base
// store and drive every resolved extension through the two-phase commit. A
// transaction is confined to the goroutine running its callback and becomes
// unusable once the callback returns.
type Transaction struct {
	conn     *Connection
	id       string
	writable bool
	started  time.Time

	state             int
	rollbackRequested bool
	payload           any

	extensions      map[string]ExtensionTransaction
	excluded        map[string]struct{}
	extensionsReady bool

	// mutations is the enumeration guard counter. Every row or extension-row
	// mutation bumps it.
	mutations uint64

	changes  []ChangeRecord
	cacheOps []cacheOp

	dirty            map[cacheKey]struct{}
	dirtyCollections map[string]struct{}

	snapshot uint64
}

func (c *Connection) newTransaction(writable bool) *Transaction {
	return &Transaction{
		conn:             c,
		id:               uuid.NewString(),
		writable:         writable,
		started:          time.Now(),
		state:            txActive,
		extensions:       make(map[string]ExtensionTransaction),
		excluded:         make(map[string]struct{}),
		dirty:            make(map[cacheKey]struct{}),
		dirtyCollections: make(map[string]struct{}),
	}
}

// ID identifies the transaction in logs, reports, and notifications.
func (t *Transaction) ID() string { return t.id }

// Writable reports the transaction's mode.
func (t *Transaction) Writable() bool { return t.writable }

// Connection returns the connection running this transaction.
func (t *Transaction) Connection() *Connection { return t.conn }

// Rollback requests that the transaction roll back instead of committing.
// The request is advisory: work continues until the callback returns, at
// which point the driver honors it. It cannot be withdrawn. No-op on
// read-only transactions.
func (t *Transaction) Rollback() {
	if !t.writable || t.state != txActive {
		return
	}
	t.rollbackRequested = true
}

// RollbackRequested reports whether Rollback has been called.
func (t *Transaction) RollbackRequested() bool {
	return t.rollbackRequested
}

// SetNotificationPayload attaches an app-defined value to the commit
// notification this transaction will produce. No-op on read-only
// transactions.
func (t *Transaction) SetNotificationPayload(payload any) {
	if !t.writable || t.state != txActive {
		return
	}
	t.payload = payload
}

// NotificationPayload returns the value set with SetNotificationPayload, or
// nil.
func (t *Transaction) NotificationPayload() any {
	return t.payload
}

// execStatement runs one demarcation statement through a full
// borrow/execute/reset cycle. A nil statement means the backend reported the
// step not applicable, which is success. Failures are logged and returned for
// the report; the caller never retries.
func (t *Transaction) execStatement(step string, stmt storage.Statement) error {
	if stmt == nil {
		return nil
	}
	defer stmt.Reset()
	if err := stmt.Exec(); err != nil {
		t.conn.logger.Error("demarcation statement failed",
			zap.String("step", step),
			zap.String("tx", t.id),
			zap.Bool("writable", t.writable),
			zap.Error(err))
		return err
	}
	return nil
}

// begin executes the store's begin statement. A failure leaves the
// transaction otherwise unaffected; later data operations surface their own
// errors.
func (t *Transaction) begin() error {
	return t.execStatement("begin", t.conn.conn.BeginStatement(t.writable))
}

// preCommit forces resolution of every registered extension, then runs
// PreCommitTransaction on each resolved one in sorted-name order. Extensions
// only compute here; nothing persists until commit.
func (t *Transaction) preCommit() {
	if !t.writable || t.state != txActive {
		return
	}
	exts := t.Extensions()
	for _, name := range sortedExtensionNames(exts) {
		exts[name].PreCommitTransaction()
	}
	t.state = txPreCommitted
}

// commit is the happy-path terminal operation. For a read-write transaction
// it runs CommitTransaction on every resolved extension (all of them finish
// before the base store is touched) and then executes the commit statement
// exactly once; a statement failure is terminal, logged, and absorbed. For a
// read-only transaction it just ends the snapshot.
func (t *Transaction) commit() error {
	if t.state == txCommitted || t.state == txRolledBack {
		return ErrTransactionClosed
	}

	if t.writable && t.state == txPreCommitted {
		for _, name := range sortedExtensionNames(t.extensions) {
			t.extensions[name].CommitTransaction()
		}
	}

	err := t.execStatement("commit", t.conn.conn.CommitStatement(t.writable))
	t.state = txCommitted

	if t.writable {
		t.finishCommit(err)
	}
	return err
}

// rollback is the abandonment terminal operation. It executes the rollback
// statement directly. No extension hook runs on this path; extension
// transactions are dropped along with everything else the transaction
// buffered.
func (t *Transaction) rollback() error {
	if t.state == txCommitted || t.state == txRolledBack {
		return ErrTransactionClosed
	}
	err := t.execStatement("rollback", t.conn.conn.RollbackStatement())
	t.state = txRolledBack
	return err
}

// finishCommit assigns the snapshot, maintains caches, and fans out the
// commit notification.
func (t *Transaction) finishCommit(stmtErr error) {
	committed := time.Now()
	if stmtErr == nil {
		t.snapshot = t.conn.db.snapshot.Add(1)
		t.conn.applyCommitted(t.cacheOps)
	} else {
		// The statement failed, so the writes never became durable. Drop
		// anything they would have refreshed.
		t.conn.invalidate(t.changes)
	}

	t.conn.db.notifyCommit(t.conn, &CommitNotification{
		TxID:         t.id,
		ConnectionID: t.conn.id,
		Snapshot:     t.snapshot,
		Payload:      t.payload,
		Changes:      t.changes,
		Started:      t.started,
		Committed:    committed,
		Err:          stmtErr,
	})
}

// readable admits data reads while the transaction is active or running its
// commit hooks.
func (t *Transaction) readable() error {
	if t.state == txActive || t.state == txPreCommitted {
		return nil
	}
	return ErrTransactionClosed
}

// writableRows admits row writes. Only the callback phase may write rows;
// commit hooks read rows and write extension rows.
func (t *Transaction) writableRows() error {
	if t.state != txActive {
		if t.state == txPreCommitted {
			return ErrReadOnlyTransaction
		}
		return ErrTransactionClosed
	}
	if !t.writable {
		return ErrReadOnlyTransaction
	}
	return nil
}

// writableExtensionRows admits extension-row writes through commit hooks as
// well, since CommitTransaction persists before the commit statement runs.
func (t *Transaction) writableExtensionRows() error {
	if err := t.readable(); err != nil {
		return err
	}
	if !t.writable {
		return ErrReadOnlyTransaction
	}
	return nil
}

func (t *Transaction) recordChange(change ChangeRecord, op cacheOp) {
	t.changes = append(t.changes, change)
	t.cacheOps = append(t.cacheOps, op)
	t.mutations++

	k := cacheKey{collection: change.Collection, key: change.Key}
	switch change.Op {
	case OpSet, OpDelete:
		t.dirty[k] = struct{}{}
	case OpDeleteCollection:
		t.dirtyCollections[change.Collection] = struct{}{}
	}
}

// isDirty reports whether this transaction has written the key, in which case
// the connection caches (which hold committed state) must be bypassed.
func (t *Transaction) isDirty(k cacheKey) bool {
	if !t.writable {
		return false
	}
	if _, ok := t.dirty[k]; ok {
		return true
	}
	_, ok := t.dirtyCollections[k.collection]
	return ok
}

// Changes returns the transaction's change log so far. The slice is live;
// callers must not retain it past the callback.
func (t *Transaction) Changes() []ChangeRecord {
	return t.changes
}

// Mutations returns the transaction's mutation counter. Extensions sample it
// around their own enumeration callbacks to apply the same
// mutation-during-enumeration contract the core enumerations use.
func (t *Transaction) Mutations() uint64 {
	return t.mutations
}

// decodeValue decodes a stored blob, treating empty as nil.
func (t *Transaction) decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return t.conn.db.codec.Decode(raw)
}

// GetObject returns the decoded object stored under collection/key.
// ErrKeyNotFound when absent.
func (t *Transaction) GetObject(collection, key string) (any, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	k := cacheKey{collection: collection, key: key}
	if !t.isDirty(k) {
		if object, ok := t.conn.cachedObject(k); ok {
			return object, nil
		}
	}
	row, err := t.conn.conn.Get(collection, key)
	if err != nil {
		return nil, err
	}
	object, err := t.decodeValue(row.Object)
	if err != nil {
		return nil, err
	}
	if !t.isDirty(k) {
		t.conn.storeObject(k, object)
	}
	return object, nil
}

// GetMetadata returns the decoded metadata stored under collection/key. A row
// with no metadata yields nil, nil.
func (t *Transaction) GetMetadata(collection, key string) (any, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	k := cacheKey{collection: collection, key: key}
	if !t.isDirty(k) {
		if metadata, ok := t.conn.cachedMetadata(k); ok {
			return metadata, nil
		}
	}
	row, err := t.conn.conn.Get(collection, key)
	if err != nil {
		return nil, err
	}
	metadata, err := t.decodeValue(row.Metadata)
	if err != nil {
		return nil, err
	}
	if !t.isDirty(k) {
		t.conn.storeMetadata(k, metadata)
	}
	return metadata, nil
}

// Get returns both the object and metadata in one store read.
func (t *Transaction) Get(collection, key string) (object, metadata any, err error) {
	if err := t.readable(); err != nil {
		return nil, nil, err
	}
	k := cacheKey{collection: collection, key: key}
	clean := !t.isDirty(k)
	if clean {
		object, objectOK := t.conn.cachedObject(k)
		metadata, metadataOK := t.conn.cachedMetadata(k)
		if objectOK && metadataOK {
			return object, metadata, nil
		}
	}
	row, err := t.conn.conn.Get(collection, key)
	if err != nil {
		return nil, nil, err
	}
	if object, err = t.decodeValue(row.Object); err != nil {
		return nil, nil, err
	}
	if metadata, err = t.decodeValue(row.Metadata); err != nil {
		return nil, nil, err
	}
	if clean {
		t.conn.storeObject(k, object)
		t.conn.storeMetadata(k, metadata)
	}
	return object, metadata, nil
}

// Has reports whether a row exists.
func (t *Transaction) Has(collection, key string) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	k := cacheKey{collection: collection, key: key}
	if !t.isDirty(k) {
		if _, ok := t.conn.cachedObject(k); ok {
			return true, nil
		}
	}
	_, err := t.conn.conn.Get(collection, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set stores object (and optional metadata) under collection/key, replacing
// any previous row. A nil object deletes the row, matching the delete-on-nil
// convention of the system this models.
func (t *Transaction) Set(collection, key string, object, metadata any) error {
	if err := t.writableRows(); err != nil {
		return err
	}
	if object == nil {
		return t.Delete(collection, key)
	}

	objectBytes, err := t.conn.db.codec.Encode(object)
	if err != nil {
		return err
	}
	var metadataBytes []byte
	if metadata != nil {
		if metadataBytes, err = t.conn.db.codec.Encode(metadata); err != nil {
			return err
		}
	}
	err = t.conn.conn.Set(&storage.Row{
		Collection: collection,
		Key:        key,
		Object:     objectBytes,
		Metadata:   metadataBytes,
	})
	if err != nil {
		return mapStorageErr(err)
	}
	t.recordChange(
		ChangeRecord{Op: OpSet, Collection: collection, Key: key},
		cacheOp{op: OpSet, collection: collection, key: key, object: object, metadata: metadata},
	)
	return nil
}

// SetMetadata replaces the metadata of an existing row, leaving the object
// untouched. ErrKeyNotFound when the row does not exist.
func (t *Transaction) SetMetadata(collection, key string, metadata any) error {
	if err := t.writableRows(); err != nil {
		return err
	}
	row, err := t.conn.conn.Get(collection, key)
	if err != nil {
		return err
	}
	var metadataBytes []byte
	if metadata != nil {
		if metadataBytes, err = t.conn.db.codec.Encode(metadata); err != nil {
			return err
		}
	}
	row.Metadata = metadataBytes
	if err := t.conn.conn.Set(row); err != nil {
		return mapStorageErr(err)
	}
	t.recordChange(
		ChangeRecord{Op: OpSet, Collection: collection, Key: key},
		cacheOp{op: OpSet, collection: collection, key: key, metadata: metadata, metadataOnly: true},
	)
	return nil
}

// Delete removes a row. Deleting an absent row is a no-op.
func (t *Transaction) Delete(collection, key string) error {
	if err := t.writableRows(); err != nil {
		return err
	}
	err := t.conn.conn.Delete(collection, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t.recordChange(
		ChangeRecord{Op: OpDelete, Collection: collection, Key: key},
		cacheOp{op: OpDelete, collection: collection, key: key},
	)
	return nil
}

// DeleteCollection removes every row in collection, returning how many went.
func (t *Transaction) DeleteCollection(collection string) (int, error) {
	if err := t.writableRows(); err != nil {
		return 0, err
	}
	n, err := t.conn.conn.DeleteCollection(collection)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.recordChange(
			ChangeRecord{Op: OpDeleteCollection, Collection: collection},
			cacheOp{op: OpDeleteCollection, collection: collection},
		)
	}
	return n, nil
}

// Count returns the number of rows in collection.
func (t *Transaction) Count(collection string) (int, error) {
	if err := t.readable(); err != nil {
		return 0, err
	}
	return t.conn.conn.Count(collection)
}

// Collections returns the distinct collection names, sorted.
func (t *Transaction) Collections() ([]string, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	return t.conn.conn.Collections()
}

// GetExtensionRow reads a row from an extension's private key area.
func (t *Transaction) GetExtensionRow(extension string, key []byte) ([]byte, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	return t.conn.conn.GetExtensionRow(extension, key)
}

// SetExtensionRow writes a row in an extension's private key area. The write
// shares this transaction's commit boundary; extensions call it from
// CommitTransaction.
func (t *Transaction) SetExtensionRow(extension string, key, value []byte) error {
	if err := t.writableExtensionRows(); err != nil {
		return err
	}
	if err := t.conn.conn.SetExtensionRow(extension, key, value); err != nil {
		return mapStorageErr(err)
	}
	t.mutations++
	return nil
}

// DeleteExtensionRow removes a row from an extension's key area. Absent rows
// are a no-op.
func (t *Transaction) DeleteExtensionRow(extension string, key []byte) error {
	if err := t.writableExtensionRows(); err != nil {
		return err
	}
	if err := t.conn.conn.DeleteExtensionRow(extension, key); err != nil {
		return err
	}
	t.mutations++
	return nil
}

// DeleteExtensionRows clears an extension's entire key area, returning how
// many rows went. Used when an extension rebuilds from scratch.
func (t *Transaction) DeleteExtensionRows(extension string) (int, error) {
	if err := t.writableExtensionRows(); err != nil {
		return 0, err
	}
	n, err := t.conn.conn.DeleteExtensionRows(extension)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.mutations++
	}
	return n, nil
}

// mapStorageErr lifts storage errors with core-level equivalents.
func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrInvalidKey) {
		return ErrInvalidKey
	}
	return err
}
