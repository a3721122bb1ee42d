// In-memory backend.
//
// MemoryStore is a map-backed store for tests and ephemeral databases. It is
// the backend that exercises the "not applicable" side of the demarcation
// contract: read transactions get nil begin and commit statements because
// there is nothing to prepare or persist, and only read-write transactions
// carry real statements (begin arms the write buffers, commit publishes them
// under the store lock, rollback drops them).
//
// Reads see committed state, not a point-in-time snapshot. Writers are
// serialized above this layer, so the only visible relaxation is a reader
// session observing a commit that lands mid-transaction.

package storage

import (
	"sort"
	"sync"
)

// MemoryStore implements Store over in-process maps.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]*Row   // keyed by the framed row key
	ext    map[string][]byte // keyed by the framed extension row key
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Row),
		ext:  make(map[string][]byte),
	}
}

// NewConn opens a session against the store.
func (s *MemoryStore) NewConn() (Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	c := &memoryConn{store: s}
	c.beginStmt = &memoryStatement{conn: c, op: stmtBegin}
	c.commitStmt = &memoryStatement{conn: c, op: stmtCommit}
	c.rollbackStmt = &memoryStatement{conn: c, op: stmtRollback}
	return c, nil
}

// Close marks the store closed and releases its maps.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.rows = nil
	s.ext = nil
	return nil
}

// memoryStatement applies buffered writes on commit and drops them on
// rollback. Only read-write transactions ever exec one.
type memoryStatement struct {
	conn  *memoryConn
	op    int
	inUse bool
}

func (st *memoryStatement) Exec() error {
	c := st.conn
	switch st.op {
	case stmtBegin:
		if c.inTxn {
			return ErrTransactionActive
		}
		c.inTxn = true
		c.pendingRows = make(map[string]*Row)
		c.pendingRowDeletes = make(map[string]struct{})
		c.pendingExt = make(map[string][]byte)
		c.pendingExtDeletes = make(map[string]struct{})
		return nil
	case stmtCommit:
		if !c.inTxn {
			return ErrNoTransaction
		}
		c.store.mu.Lock()
		if c.store.closed {
			c.store.mu.Unlock()
			c.clearPending()
			return ErrStoreClosed
		}
		for k := range c.pendingRowDeletes {
			delete(c.store.rows, k)
		}
		for k, row := range c.pendingRows {
			c.store.rows[k] = row
		}
		for k := range c.pendingExtDeletes {
			delete(c.store.ext, k)
		}
		for k, v := range c.pendingExt {
			c.store.ext[k] = v
		}
		c.store.mu.Unlock()
		c.clearPending()
		return nil
	case stmtRollback:
		if !c.inTxn {
			return ErrNoTransaction
		}
		c.clearPending()
		return nil
	}
	return nil
}

func (st *memoryStatement) Reset() {
	st.inUse = false
}

// memoryConn is one session. Writes buffer in the pending maps until commit.
type memoryConn struct {
	store  *MemoryStore
	closed bool

	inTxn             bool
	pendingRows       map[string]*Row
	pendingRowDeletes map[string]struct{}
	pendingExt        map[string][]byte
	pendingExtDeletes map[string]struct{}

	beginStmt    *memoryStatement
	commitStmt   *memoryStatement
	rollbackStmt *memoryStatement
}

func (c *memoryConn) clearPending() {
	c.inTxn = false
	c.pendingRows = nil
	c.pendingRowDeletes = nil
	c.pendingExt = nil
	c.pendingExtDeletes = nil
}

// BeginStatement reports not-applicable for read transactions.
func (c *memoryConn) BeginStatement(writable bool) Statement {
	if !writable {
		return nil
	}
	c.beginStmt.inUse = true
	return c.beginStmt
}

// CommitStatement reports not-applicable for read transactions.
func (c *memoryConn) CommitStatement(writable bool) Statement {
	if !writable {
		return nil
	}
	c.commitStmt.inUse = true
	return c.commitStmt
}

// RollbackStatement reports not-applicable when no write transaction is
// active; a read transaction has nothing to undo here.
func (c *memoryConn) RollbackStatement() Statement {
	if !c.inTxn {
		return nil
	}
	c.rollbackStmt.inUse = true
	return c.rollbackStmt
}

func (c *memoryConn) readable() error {
	if c.closed {
		return ErrStoreClosed
	}
	return nil
}

// writable rejects writes outside a write transaction. Read sessions never
// exec a begin statement on this backend, so inTxn doubles as the mode check.
func (c *memoryConn) writable() error {
	if c.closed {
		return ErrStoreClosed
	}
	if !c.inTxn {
		return ErrReadOnly
	}
	return nil
}

func (c *memoryConn) Get(collection, key string) (*Row, error) {
	if err := c.readable(); err != nil {
		return nil, err
	}
	k := string(rowKey(collection, key))
	if c.inTxn {
		if _, deleted := c.pendingRowDeletes[k]; deleted {
			return nil, ErrKeyNotFound
		}
		if row, ok := c.pendingRows[k]; ok {
			return cloneRow(row), nil
		}
	}
	c.store.mu.RLock()
	row, ok := c.store.rows[k]
	c.store.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneRow(row), nil
}

func (c *memoryConn) Set(row *Row) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := ValidateName(row.Collection, row.Key); err != nil {
		return err
	}
	k := string(rowKey(row.Collection, row.Key))
	c.pendingRows[k] = cloneRow(row)
	delete(c.pendingRowDeletes, k)
	return nil
}

func (c *memoryConn) Delete(collection, key string) error {
	if err := c.writable(); err != nil {
		return err
	}
	k := string(rowKey(collection, key))
	if _, ok := c.pendingRows[k]; !ok {
		if _, deleted := c.pendingRowDeletes[k]; deleted {
			return ErrKeyNotFound
		}
		c.store.mu.RLock()
		_, exists := c.store.rows[k]
		c.store.mu.RUnlock()
		if !exists {
			return ErrKeyNotFound
		}
	}
	delete(c.pendingRows, k)
	c.pendingRowDeletes[k] = struct{}{}
	return nil
}

func (c *memoryConn) DeleteCollection(collection string) (int, error) {
	if err := c.writable(); err != nil {
		return 0, err
	}
	keys := c.mergedRowKeys(collection)
	for _, k := range keys {
		delete(c.pendingRows, k)
		c.pendingRowDeletes[k] = struct{}{}
	}
	return len(keys), nil
}

func (c *memoryConn) Count(collection string) (int, error) {
	if err := c.readable(); err != nil {
		return 0, err
	}
	return len(c.mergedRowKeys(collection)), nil
}

func (c *memoryConn) Collections() ([]string, error) {
	if err := c.readable(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})

	c.store.mu.RLock()
	for k := range c.store.rows {
		if c.inTxn {
			if _, deleted := c.pendingRowDeletes[k]; deleted {
				continue
			}
		}
		if collection, _, ok := splitRowKey([]byte(k)); ok {
			seen[collection] = struct{}{}
		}
	}
	c.store.mu.RUnlock()

	if c.inTxn {
		for _, row := range c.pendingRows {
			seen[row.Collection] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *memoryConn) NewRowIterator(collection string, keysOnly bool) RowIterator {
	if err := c.readable(); err != nil {
		return &errRowIterator{err: err}
	}
	keys := c.mergedRowKeys(collection)

	rows := make([]*Row, 0, len(keys))
	c.store.mu.RLock()
	for _, k := range keys {
		var row *Row
		if c.inTxn {
			row = c.pendingRows[k]
		}
		if row == nil {
			row = c.store.rows[k]
		}
		if row == nil {
			continue
		}
		if keysOnly {
			rows = append(rows, &Row{Collection: row.Collection, Key: row.Key})
		} else {
			rows = append(rows, cloneRow(row))
		}
	}
	c.store.mu.RUnlock()

	return &sliceRowIterator{rows: rows}
}

// mergedRowKeys returns the framed keys of every live row in collection,
// overlay applied, in key order.
func (c *memoryConn) mergedRowKeys(collection string) []string {
	prefix := string(rowCollectionPrefix(collection))
	seen := make(map[string]struct{})

	c.store.mu.RLock()
	for k := range c.store.rows {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if c.inTxn {
			if _, deleted := c.pendingRowDeletes[k]; deleted {
				continue
			}
		}
		seen[k] = struct{}{}
	}
	c.store.mu.RUnlock()

	if c.inTxn {
		for k := range c.pendingRows {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				seen[k] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *memoryConn) GetExtensionRow(extension string, key []byte) ([]byte, error) {
	if err := c.readable(); err != nil {
		return nil, err
	}
	k := string(extensionRowKey(extension, key))
	if c.inTxn {
		if _, deleted := c.pendingExtDeletes[k]; deleted {
			return nil, ErrKeyNotFound
		}
		if v, ok := c.pendingExt[k]; ok {
			return cloneBytes(v), nil
		}
	}
	c.store.mu.RLock()
	v, ok := c.store.ext[k]
	c.store.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneBytes(v), nil
}

func (c *memoryConn) SetExtensionRow(extension string, key, value []byte) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := ValidateName(extension); err != nil {
		return err
	}
	k := string(extensionRowKey(extension, key))
	c.pendingExt[k] = cloneBytes(value)
	delete(c.pendingExtDeletes, k)
	return nil
}

func (c *memoryConn) DeleteExtensionRow(extension string, key []byte) error {
	if err := c.writable(); err != nil {
		return err
	}
	k := string(extensionRowKey(extension, key))
	delete(c.pendingExt, k)
	c.pendingExtDeletes[k] = struct{}{}
	return nil
}

func (c *memoryConn) NewExtensionRowIterator(extension string, prefix []byte) ExtensionRowIterator {
	if err := c.readable(); err != nil {
		return &errExtensionRowIterator{err: err}
	}
	framed := string(extensionRowKey(extension, prefix))
	seen := make(map[string]struct{})

	c.store.mu.RLock()
	for k := range c.store.ext {
		if len(k) < len(framed) || k[:len(framed)] != framed {
			continue
		}
		if c.inTxn {
			if _, deleted := c.pendingExtDeletes[k]; deleted {
				continue
			}
		}
		seen[k] = struct{}{}
	}
	c.store.mu.RUnlock()

	if c.inTxn {
		for k := range c.pendingExt {
			if len(k) >= len(framed) && k[:len(framed)] == framed {
				seen[k] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]extensionPair, 0, len(keys))
	c.store.mu.RLock()
	for _, k := range keys {
		var v []byte
		var ok bool
		if c.inTxn {
			v, ok = c.pendingExt[k]
		}
		if !ok {
			v, ok = c.store.ext[k]
		}
		if !ok {
			continue
		}
		pairs = append(pairs, extensionPair{
			key:   extensionKeyFromRaw([]byte(k), extension),
			value: cloneBytes(v),
		})
	}
	c.store.mu.RUnlock()

	return &slicePairIterator{pairs: pairs}
}

func (c *memoryConn) DeleteExtensionRows(extension string) (int, error) {
	if err := c.writable(); err != nil {
		return 0, err
	}
	framed := string(extensionRowPrefix(extension))
	count := 0

	c.store.mu.RLock()
	for k := range c.store.ext {
		if len(k) < len(framed) || k[:len(framed)] != framed {
			continue
		}
		if _, deleted := c.pendingExtDeletes[k]; deleted {
			continue
		}
		c.pendingExtDeletes[k] = struct{}{}
		delete(c.pendingExt, k)
		count++
	}
	c.store.mu.RUnlock()

	for k := range c.pendingExt {
		if len(k) >= len(framed) && k[:len(framed)] == framed {
			delete(c.pendingExt, k)
			c.pendingExtDeletes[k] = struct{}{}
			count++
		}
	}
	return count, nil
}

func (c *memoryConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.clearPending()
	return nil
}

func cloneRow(row *Row) *Row {
	return &Row{
		Collection: row.Collection,
		Key:        row.Key,
		Object:     cloneBytes(row.Object),
		Metadata:   cloneBytes(row.Metadata),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// sliceRowIterator walks a pre-built row slice.
type sliceRowIterator struct {
	rows []*Row
	pos  int
	row  *Row
}

func (s *sliceRowIterator) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.row = s.rows[s.pos]
	s.pos++
	return true
}

func (s *sliceRowIterator) Row() *Row  { return s.row }
func (s *sliceRowIterator) Err() error { return nil }
func (s *sliceRowIterator) Close()     {}

type extensionPair struct {
	key   []byte
	value []byte
}

// slicePairIterator walks pre-built extension rows.
type slicePairIterator struct {
	pairs []extensionPair
	pos   int
	cur   extensionPair
}

func (s *slicePairIterator) Next() bool {
	if s.pos >= len(s.pairs) {
		return false
	}
	s.cur = s.pairs[s.pos]
	s.pos++
	return true
}

func (s *slicePairIterator) Key() []byte   { return s.cur.key }
func (s *slicePairIterator) Value() []byte { return s.cur.value }
func (s *slicePairIterator) Err() error    { return nil }
func (s *slicePairIterator) Close()        {}
