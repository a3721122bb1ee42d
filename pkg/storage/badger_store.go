// BadgerDB backend.
//
// BadgerStore is the default base engine. Transaction demarcation maps onto
// badger's native transactions: the begin statement acquires the snapshot
// (badger.DB.NewTransaction), the commit statement commits or discards it, and
// the rollback statement discards it. All three are real statements here; the
// "not applicable" sentinel is never needed for this backend.

package storage

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory; nothing touches disk.
	InMemory bool

	// SyncWrites forces an fsync on every commit. Off by default; badger's
	// value log still bounds the loss window.
	SyncWrites bool

	// GCInterval is how often the value-log garbage collector runs.
	// Zero disables it. In-memory stores never run GC.
	GCInterval time.Duration

	// GCDiscardRatio is passed to badger's RunValueLogGC. Defaults to 0.5.
	GCDiscardRatio float64

	// Logger receives store-level and badger-internal logs. Defaults to a
	// no-op logger.
	Logger *zap.Logger
}

// BadgerStore implements Store over a BadgerDB database.
type BadgerStore struct {
	mu     sync.Mutex
	db     *badger.DB
	logger *zap.Logger
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadgerStore opens (creating if necessary) a badger-backed store.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GCDiscardRatio <= 0 || opts.GCDiscardRatio >= 1 {
		opts.GCDiscardRatio = 0.5
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerZapLogger{sugar: logger.Sugar()})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
	}

	if opts.GCInterval > 0 && !opts.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runValueLogGC(opts.GCInterval, opts.GCDiscardRatio)
	}
	return s, nil
}

// OpenBadgerStoreInMemory opens an in-memory badger store, used heavily by
// tests.
func OpenBadgerStoreInMemory() (*BadgerStore, error) {
	return OpenBadgerStore(BadgerOptions{InMemory: true})
}

// runValueLogGC reclaims value-log space periodically until the store closes.
func (s *BadgerStore) runValueLogGC(interval time.Duration, discardRatio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// One GC call rewrites at most one value-log file; loop until
			// there is nothing left to rewrite.
			for {
				err := s.db.RunValueLogGC(discardRatio)
				if err == badger.ErrNoRewrite {
					break
				}
				if err != nil {
					s.logger.Warn("value log GC failed", zap.Error(err))
					break
				}
			}
		}
	}
}

// NewConn opens a session against the store.
func (s *BadgerStore) NewConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	c := &badgerConn{store: s}
	c.begin = &badgerStatement{conn: c, op: stmtBegin}
	c.commit = &badgerStatement{conn: c, op: stmtCommit}
	c.rollback = &badgerStatement{conn: c, op: stmtRollback}
	return c, nil
}

// Close stops background GC and closes the underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

const (
	stmtBegin = iota
	stmtCommit
	stmtRollback
)

// badgerStatement is a prepared demarcation statement bound to its session.
// The handle is reused across transactions; it is borrowed per call and
// returned by Reset.
type badgerStatement struct {
	conn     *badgerConn
	op       int
	writable bool
	inUse    bool
}

func (st *badgerStatement) Exec() error {
	c := st.conn
	switch st.op {
	case stmtBegin:
		if c.txn != nil {
			return ErrTransactionActive
		}
		c.txn = c.store.db.NewTransaction(st.writable)
		c.writable = st.writable
		return nil
	case stmtCommit:
		if c.txn == nil {
			return ErrNoTransaction
		}
		txn := c.txn
		c.txn = nil
		if !st.writable {
			// Read snapshots have nothing to persist; ending one is a
			// discard.
			txn.Discard()
			return nil
		}
		return txn.Commit()
	case stmtRollback:
		if c.txn == nil {
			return ErrNoTransaction
		}
		c.txn.Discard()
		c.txn = nil
		return nil
	}
	return nil
}

func (st *badgerStatement) Reset() {
	st.inUse = false
}

// badgerConn is one session: at most one live badger transaction at a time.
type badgerConn struct {
	store    *BadgerStore
	txn      *badger.Txn
	writable bool
	closed   bool

	begin    *badgerStatement
	commit   *badgerStatement
	rollback *badgerStatement
}

func (c *badgerConn) BeginStatement(writable bool) Statement {
	c.begin.writable = writable
	c.begin.inUse = true
	return c.begin
}

func (c *badgerConn) CommitStatement(writable bool) Statement {
	c.commit.writable = writable
	c.commit.inUse = true
	return c.commit
}

func (c *badgerConn) RollbackStatement() Statement {
	c.rollback.inUse = true
	return c.rollback
}

func (c *badgerConn) active() (*badger.Txn, error) {
	if c.closed {
		return nil, ErrStoreClosed
	}
	if c.txn == nil {
		return nil, ErrNoTransaction
	}
	return c.txn, nil
}

func (c *badgerConn) activeWritable() (*badger.Txn, error) {
	txn, err := c.active()
	if err != nil {
		return nil, err
	}
	if !c.writable {
		return nil, ErrReadOnly
	}
	return txn, nil
}

func (c *badgerConn) Get(collection, key string) (*Row, error) {
	txn, err := c.active()
	if err != nil {
		return nil, err
	}
	item, err := txn.Get(rowKey(collection, key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	object, metadata, err := decodeRowValue(value)
	if err != nil {
		return nil, err
	}
	return &Row{Collection: collection, Key: key, Object: object, Metadata: metadata}, nil
}

func (c *badgerConn) Set(row *Row) error {
	txn, err := c.activeWritable()
	if err != nil {
		return err
	}
	if err := ValidateName(row.Collection, row.Key); err != nil {
		return err
	}
	return txn.Set(rowKey(row.Collection, row.Key), encodeRowValue(row.Object, row.Metadata))
}

func (c *badgerConn) Delete(collection, key string) error {
	txn, err := c.activeWritable()
	if err != nil {
		return err
	}
	k := rowKey(collection, key)
	if _, err := txn.Get(k); err == badger.ErrKeyNotFound {
		return ErrKeyNotFound
	} else if err != nil {
		return err
	}
	return txn.Delete(k)
}

func (c *badgerConn) DeleteCollection(collection string) (int, error) {
	txn, err := c.activeWritable()
	if err != nil {
		return 0, err
	}
	keys, err := collectKeys(txn, rowCollectionPrefix(collection))
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (c *badgerConn) Count(collection string) (int, error) {
	txn, err := c.active()
	if err != nil {
		return 0, err
	}
	prefix := rowCollectionPrefix(collection)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

func (c *badgerConn) Collections() ([]string, error) {
	txn, err := c.active()
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var names []string
	seek := []byte{prefixRow}
	for it.Seek(seek); it.ValidForPrefix([]byte{prefixRow}); {
		collection, _, ok := splitRowKey(it.Item().Key())
		if !ok {
			it.Next()
			continue
		}
		names = append(names, collection)
		// Skip the rest of this collection instead of walking every row.
		it.Seek(nextCollectionSeek(collection))
	}
	return names, nil
}

func (c *badgerConn) NewRowIterator(collection string, keysOnly bool) RowIterator {
	txn, err := c.active()
	if err != nil {
		return &errRowIterator{err: err}
	}
	prefix := rowCollectionPrefix(collection)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly

	return &badgerRowIterator{
		it:       txn.NewIterator(opts),
		keysOnly: keysOnly,
	}
}

func (c *badgerConn) GetExtensionRow(extension string, key []byte) ([]byte, error) {
	txn, err := c.active()
	if err != nil {
		return nil, err
	}
	item, err := txn.Get(extensionRowKey(extension, key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (c *badgerConn) SetExtensionRow(extension string, key, value []byte) error {
	txn, err := c.activeWritable()
	if err != nil {
		return err
	}
	if err := ValidateName(extension); err != nil {
		return err
	}
	return txn.Set(extensionRowKey(extension, key), value)
}

func (c *badgerConn) DeleteExtensionRow(extension string, key []byte) error {
	txn, err := c.activeWritable()
	if err != nil {
		return err
	}
	err = txn.Delete(extensionRowKey(extension, key))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}

func (c *badgerConn) NewExtensionRowIterator(extension string, prefix []byte) ExtensionRowIterator {
	txn, err := c.active()
	if err != nil {
		return &errExtensionRowIterator{err: err}
	}
	full := extensionRowKey(extension, prefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = full

	return &badgerExtensionRowIterator{
		it:        txn.NewIterator(opts),
		extension: extension,
	}
}

func (c *badgerConn) DeleteExtensionRows(extension string) (int, error) {
	txn, err := c.activeWritable()
	if err != nil {
		return 0, err
	}
	keys, err := collectKeys(txn, extensionRowPrefix(extension))
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (c *badgerConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.txn != nil {
		c.txn.Discard()
		c.txn = nil
	}
	return nil
}

// collectKeys gathers every key under prefix before deletion; deleting while
// iterating would invalidate the iterator.
func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// badgerRowIterator adapts a badger iterator to RowIterator.
type badgerRowIterator struct {
	it       *badger.Iterator
	keysOnly bool
	row      *Row
	err      error
	started  bool
	closed   bool
}

func (b *badgerRowIterator) Next() bool {
	if b.closed || b.err != nil {
		return false
	}
	if !b.started {
		b.it.Rewind()
		b.started = true
	} else {
		b.it.Next()
	}
	if !b.it.Valid() {
		return false
	}

	item := b.it.Item()
	collection, key, ok := splitRowKey(item.Key())
	if !ok {
		b.err = ErrInvalidKey
		return false
	}
	row := &Row{Collection: collection, Key: key}
	if !b.keysOnly {
		value, err := item.ValueCopy(nil)
		if err != nil {
			b.err = err
			return false
		}
		row.Object, row.Metadata, err = decodeRowValue(value)
		if err != nil {
			b.err = err
			return false
		}
	}
	b.row = row
	return true
}

func (b *badgerRowIterator) Row() *Row  { return b.row }
func (b *badgerRowIterator) Err() error { return b.err }

func (b *badgerRowIterator) Close() {
	if !b.closed {
		b.closed = true
		b.it.Close()
	}
}

// badgerExtensionRowIterator adapts a badger iterator to ExtensionRowIterator.
type badgerExtensionRowIterator struct {
	it        *badger.Iterator
	extension string
	key       []byte
	value     []byte
	err       error
	started   bool
	closed    bool
}

func (b *badgerExtensionRowIterator) Next() bool {
	if b.closed || b.err != nil {
		return false
	}
	if !b.started {
		b.it.Rewind()
		b.started = true
	} else {
		b.it.Next()
	}
	if !b.it.Valid() {
		return false
	}

	item := b.it.Item()
	b.key = extensionKeyFromRaw(item.KeyCopy(nil), b.extension)
	value, err := item.ValueCopy(nil)
	if err != nil {
		b.err = err
		return false
	}
	b.value = value
	return true
}

func (b *badgerExtensionRowIterator) Key() []byte   { return b.key }
func (b *badgerExtensionRowIterator) Value() []byte { return b.value }
func (b *badgerExtensionRowIterator) Err() error    { return b.err }

func (b *badgerExtensionRowIterator) Close() {
	if !b.closed {
		b.closed = true
		b.it.Close()
	}
}

// errRowIterator reports a construction-time error on first use.
type errRowIterator struct{ err error }

func (e *errRowIterator) Next() bool { return false }
func (e *errRowIterator) Row() *Row  { return nil }
func (e *errRowIterator) Err() error { return e.err }
func (e *errRowIterator) Close()     {}

type errExtensionRowIterator struct{ err error }

func (e *errExtensionRowIterator) Next() bool    { return false }
func (e *errExtensionRowIterator) Key() []byte   { return nil }
func (e *errExtensionRowIterator) Value() []byte { return nil }
func (e *errExtensionRowIterator) Err() error    { return e.err }
func (e *errExtensionRowIterator) Close()        {}

// badgerZapLogger adapts zap to badger's Logger interface.
type badgerZapLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerZapLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l badgerZapLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l badgerZapLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l badgerZapLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
