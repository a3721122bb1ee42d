package yapdb

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/storage"
)

// Connection is one serialized stream of transactions over one store session.
// A connection runs a single transaction at a time; open as many connections
// as you want concurrent transactions. Connections are safe to share between
// goroutines, but the *Transaction handed to a callback is confined to that
// callback's goroutine.
type Connection struct {
	db     *Database
	id     string
	conn   storage.Conn
	logger *zap.Logger

	// mu serializes this connection's transactions. The whole Read/ReadWrite
	// call runs under it.
	mu       sync.Mutex
	extConns map[string]ExtensionConnection
	closed   bool

	// Decoded-value read caches. Either may be nil when disabled. The caches
	// are internally locked, so sibling connections may invalidate entries
	// while this connection reads.
	objectCache   *lru.Cache[cacheKey, any]
	metadataCache *lru.Cache[cacheKey, any]
}

type cacheKey struct {
	collection string
	key        string
}

func newConnection(db *Database, conn storage.Conn) (*Connection, error) {
	c := &Connection{
		db:       db,
		id:       uuid.NewString(),
		conn:     conn,
		logger:   db.logger,
		extConns: make(map[string]ExtensionConnection),
	}
	var err error
	if db.objectCacheCap > 0 {
		if c.objectCache, err = lru.New[cacheKey, any](db.objectCacheCap); err != nil {
			return nil, err
		}
	}
	if db.metadataCacheCap > 0 {
		if c.metadataCache, err = lru.New[cacheKey, any](db.metadataCacheCap); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ID identifies this connection in logs and commit notifications.
func (c *Connection) ID() string { return c.id }

// Database returns the owning database.
func (c *Connection) Database() *Database { return c.db }

// Logger returns the database logger. Extensions log through it.
func (c *Connection) Logger() *zap.Logger { return c.logger }

// Read runs fn inside a read-only transaction. The transaction sees a stable
// snapshot on backends that provide one. fn's error is returned as-is; the
// snapshot always ends, even when fn panics.
func (c *Connection) Read(fn func(tx *Transaction) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}

	tx := c.newTransaction(false)
	tx.begin()
	defer tx.commit()
	return fn(tx)
}

// ReadWrite runs fn inside a read-write transaction. When fn returns an error
// or requested rollback, the transaction rolls back and no extension hook
// runs; otherwise the full two-phase commit executes. A panic inside fn rolls
// back and re-panics. Statement failures are logged and absorbed; use
// ReadWriteReport to observe them.
func (c *Connection) ReadWrite(fn func(tx *Transaction) error) error {
	_, err := c.readWrite(fn)
	return err
}

// ReadWriteReport is ReadWrite plus a report of what the lifecycle actually
// did, including any absorbed demarcation statement errors.
func (c *Connection) ReadWriteReport(fn func(tx *Transaction) error) (*TxReport, error) {
	return c.readWrite(fn)
}

// TxReport describes one read-write transaction's lifecycle outcome.
type TxReport struct {
	TxID string

	// Snapshot is the commit counter after this transaction. Zero when it
	// rolled back or the commit statement failed.
	Snapshot uint64

	// RolledBack reports which terminal operation ran.
	RolledBack bool

	// Absorbed demarcation statement errors, by lifecycle step.
	BeginErr    error
	CommitErr   error
	RollbackErr error

	Started  time.Time
	Finished time.Time
}

func (c *Connection) readWrite(fn func(tx *Transaction) error) (*TxReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}

	// Writers serialize database-wide; readers on other connections keep
	// going against their snapshots.
	c.db.writeMu.Lock()
	defer c.db.writeMu.Unlock()

	tx := c.newTransaction(true)
	report := &TxReport{TxID: tx.id, Started: tx.started}
	report.BeginErr = tx.begin()

	terminal := false
	defer func() {
		if !terminal {
			// fn or an extension hook panicked. Roll back, then let the
			// panic continue.
			report.RolledBack = true
			report.RollbackErr = tx.rollback()
			report.Finished = time.Now()
		}
	}()

	err := fn(tx)

	if err != nil || tx.rollbackRequested {
		terminal = true
		report.RolledBack = true
		report.RollbackErr = tx.rollback()
		report.Finished = time.Now()
		return report, err
	}

	tx.preCommit()
	report.CommitErr = tx.commit()
	terminal = true
	report.Snapshot = tx.snapshot
	report.Finished = time.Now()
	return report, nil
}

// Close ends the store session. In-flight transactions finish first because
// Close takes the connection lock.
func (c *Connection) Close() error {
	return c.close(true)
}

func (c *Connection) close(drop bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if drop {
		c.db.dropConnection(c)
	}
	return c.conn.Close()
}

// extensionConnection resolves the per-connection half of a registered
// extension, creating it on first use. Called with the transaction running,
// so c.mu is already held by this goroutine's driver.
func (c *Connection) extensionConnection(name string) ExtensionConnection {
	if extConn, ok := c.extConns[name]; ok {
		return extConn
	}
	ext := c.db.extensionFor(name)
	if ext == nil {
		return nil
	}
	extConn := ext.NewConnection(c)
	if extConn == nil {
		return nil
	}
	c.extConns[name] = extConn
	return extConn
}

// cachedObject consults the decoded-object cache.
func (c *Connection) cachedObject(k cacheKey) (any, bool) {
	if c.objectCache == nil {
		return nil, false
	}
	return c.objectCache.Get(k)
}

func (c *Connection) cachedMetadata(k cacheKey) (any, bool) {
	if c.metadataCache == nil {
		return nil, false
	}
	return c.metadataCache.Get(k)
}

func (c *Connection) storeObject(k cacheKey, object any) {
	if c.objectCache != nil {
		c.objectCache.Add(k, object)
	}
}

func (c *Connection) storeMetadata(k cacheKey, metadata any) {
	if c.metadataCache != nil {
		c.metadataCache.Add(k, metadata)
	}
}

// applyCommitted folds a committed transaction's writes into this
// connection's caches.
func (c *Connection) applyCommitted(ops []cacheOp) {
	for _, op := range ops {
		k := cacheKey{collection: op.collection, key: op.key}
		switch op.op {
		case OpSet:
			// A metadata-only write leaves the stored object untouched, so any
			// cached object entry stays valid.
			if !op.metadataOnly {
				c.storeObject(k, op.object)
			}
			c.storeMetadata(k, op.metadata)
		case OpDelete:
			c.removeCached(k)
		case OpDeleteCollection:
			c.removeCachedCollection(op.collection)
		}
	}
}

// invalidate drops cache entries for another connection's committed changes.
func (c *Connection) invalidate(changes []ChangeRecord) {
	for _, change := range changes {
		if change.Op == OpDeleteCollection {
			c.removeCachedCollection(change.Collection)
			continue
		}
		c.removeCached(cacheKey{collection: change.Collection, key: change.Key})
	}
}

func (c *Connection) removeCached(k cacheKey) {
	if c.objectCache != nil {
		c.objectCache.Remove(k)
	}
	if c.metadataCache != nil {
		c.metadataCache.Remove(k)
	}
}

func (c *Connection) removeCachedCollection(collection string) {
	if c.objectCache != nil {
		for _, k := range c.objectCache.Keys() {
			if k.collection == collection {
				c.objectCache.Remove(k)
			}
		}
	}
	if c.metadataCache != nil {
		for _, k := range c.metadataCache.Keys() {
			if k.collection == collection {
				c.metadataCache.Remove(k)
			}
		}
	}
}
