// Package yapdb is an embedded collection/key database with pluggable
// extensions that commit atomically with the data they derive from.
//
// A Database wraps a storage.Store and hands out Connections. Each Connection
// runs one transaction at a time through Read or ReadWrite; read-write
// transactions are serialized database-wide while readers run concurrently
// against the store's snapshot isolation. Extensions (secondary indexes,
// materialized views, search indexes) register on the Database and are
// resolved lazily per transaction; when a read-write transaction commits, the
// core runs every resolved extension through a two-phase protocol
// (PreCommitTransaction on all, then CommitTransaction on all) strictly
// before the base store's commit statement executes, so derived state and raw
// rows land or vanish together.
//
// Objects and metadata are serialized with the database's codec and cached
// per connection after decode. Cached values are shared between reads; treat
// anything returned from a Get as immutable.
package yapdb

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/storage"
)

// Options configures a Database.
type Options struct {
	// Store is the base transactional store. Required.
	Store storage.Store

	// Serializer selects the codec for objects and metadata: "gob" (default)
	// or "msgpack".
	Serializer string

	// CacheObjectCapacity and CacheMetadataCapacity size each connection's
	// decoded-value caches. Zero means the default of 250; negative disables
	// that cache.
	CacheObjectCapacity   int
	CacheMetadataCapacity int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultCacheCapacity is the per-connection decoded-value cache size used
// when Options leaves it zero.
const DefaultCacheCapacity = 250

// Database owns the base store, the codec, the extension registry, and the
// commit notification fan-out.
type Database struct {
	store  storage.Store
	codec  *storage.Codec
	logger *zap.Logger

	objectCacheCap   int
	metadataCacheCap int

	// writeMu serializes read-write transactions across every connection.
	writeMu sync.Mutex

	// snapshot counts committed read-write transactions.
	snapshot atomic.Uint64

	mu         sync.Mutex
	extensions map[string]Extension
	handlers   []func(*CommitNotification)
	conns      map[*Connection]struct{}
	closed     bool
}

// Open wraps store in a Database. The store is owned by the Database from
// here on; Close closes it.
func Open(opts Options) (*Database, error) {
	if opts.Store == nil {
		return nil, errors.New("yapdb: Options.Store is required")
	}
	serializer := storage.SerializerGob
	if opts.Serializer != "" {
		var err error
		if serializer, err = storage.ParseSerializer(opts.Serializer); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &Database{
		store:            opts.Store,
		codec:            storage.NewCodec(serializer),
		logger:           logger,
		objectCacheCap:   cacheCapacity(opts.CacheObjectCapacity),
		metadataCacheCap: cacheCapacity(opts.CacheMetadataCapacity),
		extensions:       make(map[string]Extension),
		conns:            make(map[*Connection]struct{}),
	}
	return db, nil
}

func cacheCapacity(configured int) int {
	if configured == 0 {
		return DefaultCacheCapacity
	}
	if configured < 0 {
		return 0
	}
	return configured
}

// Register adds an extension under name. Connections resolve it lazily, so
// registering after connections exist is fine; transactions already in flight
// do not see it.
func (db *Database) Register(name string, ext Extension) error {
	if err := storage.ValidateName(name); err != nil {
		return ErrInvalidKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if _, ok := db.extensions[name]; ok {
		return ErrExtensionRegistered
	}
	db.extensions[name] = ext
	db.logger.Info("extension registered", zap.String("extension", name))
	return nil
}

// OnCommit registers a handler for commit notifications. Handlers run
// synchronously on the committing goroutine, in registration order, after the
// commit statement executes; a slow handler stalls that writer.
func (db *Database) OnCommit(handler func(*CommitNotification)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.handlers = append(db.handlers, handler)
}

// NewConnection opens a store session and wraps it in a Connection.
func (db *Database) NewConnection() (*Connection, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	db.mu.Unlock()

	conn, err := db.store.NewConn()
	if err != nil {
		return nil, err
	}
	c, err := newConnection(db, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		c.conn.Close()
		return nil, ErrDatabaseClosed
	}
	db.conns[c] = struct{}{}
	db.mu.Unlock()
	return c, nil
}

// Snapshot returns the commit counter: the number of read-write transactions
// committed so far.
func (db *Database) Snapshot() uint64 {
	return db.snapshot.Load()
}

// Close closes every open connection and then the store.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	open := make([]*Connection, 0, len(db.conns))
	for c := range db.conns {
		open = append(open, c)
	}
	db.conns = nil
	db.mu.Unlock()

	for _, c := range open {
		if err := c.close(false); err != nil {
			db.logger.Warn("connection close failed", zap.Error(err), zap.String("conn", c.id))
		}
	}
	return db.store.Close()
}

// extensionFor looks up a registered extension by name.
func (db *Database) extensionFor(name string) Extension {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.extensions[name]
}

// extensionNames snapshots the registered names.
func (db *Database) extensionNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.extensions))
	for name := range db.extensions {
		names = append(names, name)
	}
	return names
}

// notifyCommit fans a commit notification out to the registered handlers and
// invalidates sibling connections' caches for the changed keys.
func (db *Database) notifyCommit(origin *Connection, n *CommitNotification) {
	db.mu.Lock()
	handlers := make([]func(*CommitNotification), len(db.handlers))
	copy(handlers, db.handlers)
	siblings := make([]*Connection, 0, len(db.conns))
	for c := range db.conns {
		if c != origin {
			siblings = append(siblings, c)
		}
	}
	db.mu.Unlock()

	for _, c := range siblings {
		c.invalidate(n.Changes)
	}
	for _, handler := range handlers {
		handler(n)
	}
}

// dropConnection forgets a connection closed by its owner.
func (db *Database) dropConnection(c *Connection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conns != nil {
		delete(db.conns, c)
	}
}
