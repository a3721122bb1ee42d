package yapdb_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nolanw/YapDatabase/pkg/storage"
	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

// recorder collects one ordered event trace shared by the spy store and the
// spy extensions, so tests can assert cross-component ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.trace() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) firstIndex(event string) int {
	for i, e := range r.trace() {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) lastIndex(event string) int {
	last := -1
	for i, e := range r.trace() {
		if e == event {
			last = i
		}
	}
	return last
}

// requireOrdered asserts every listed event occurred, each strictly after the
// previous one (first occurrence vs first occurrence).
func requireOrdered(t *testing.T, rec *recorder, events ...string) {
	t.Helper()
	prev := -1
	for _, event := range events {
		idx := rec.firstIndex(event)
		require.GreaterOrEqual(t, idx, 0, "event %q missing from trace %v", event, rec.trace())
		require.Greater(t, idx, prev, "event %q out of order in trace %v", event, rec.trace())
		prev = idx
	}
}

// mustIndex returns the event's first position, failing the test when absent.
func mustIndex(t *testing.T, rec *recorder, event string) int {
	t.Helper()
	idx := rec.firstIndex(event)
	require.GreaterOrEqual(t, idx, 0, "event %q missing from trace %v", event, rec.trace())
	return idx
}

// spyStore wraps a MemoryStore, instrumenting the demarcation statements. The
// inner store still applies real buffered-write semantics, so data operations
// behave normally underneath the spying.
type spyStore struct {
	rec   *recorder
	inner storage.Store

	// beginNotApplicable makes BeginStatement report the nil sentinel.
	beginNotApplicable bool

	// failBegin/failCommit/failRollback inject statement failures.
	failBegin    error
	failCommit   error
	failRollback error

	// dataGets counts row reads reaching the store, for cache assertions.
	dataGets atomic.Int64
}

func newSpyStore(rec *recorder) *spyStore {
	return &spyStore{rec: rec, inner: storage.NewMemoryStore()}
}

func (s *spyStore) NewConn() (storage.Conn, error) {
	inner, err := s.inner.NewConn()
	if err != nil {
		return nil, err
	}
	return &spyConn{Conn: inner, store: s}, nil
}

func (s *spyStore) Close() error { return s.inner.Close() }

// spyConn delegates data operations to the wrapped connection and wraps the
// statements.
type spyConn struct {
	storage.Conn
	store *spyStore
}

func (c *spyConn) Get(collection, key string) (*storage.Row, error) {
	c.store.dataGets.Add(1)
	return c.Conn.Get(collection, key)
}

func (c *spyConn) BeginStatement(writable bool) storage.Statement {
	if c.store.beginNotApplicable {
		c.store.rec.record("begin:not-applicable")
		// The core sees the sentinel; the wrapped backend still needs its
		// transaction armed so data operations keep working.
		if inner := c.Conn.BeginStatement(writable); inner != nil {
			_ = inner.Exec()
			inner.Reset()
		}
		return nil
	}
	return &spyStatement{
		rec:   c.store.rec,
		name:  "begin",
		inner: c.Conn.BeginStatement(writable),
		fail:  c.store.failBegin,
	}
}

func (c *spyConn) CommitStatement(writable bool) storage.Statement {
	return &spyStatement{
		rec:   c.store.rec,
		name:  "commit",
		inner: c.Conn.CommitStatement(writable),
		fail:  c.store.failCommit,
	}
}

func (c *spyConn) RollbackStatement() storage.Statement {
	return &spyStatement{
		rec:   c.store.rec,
		name:  "rollback",
		inner: c.Conn.RollbackStatement(),
		fail:  c.store.failRollback,
	}
}

// spyStatement records exec and reset. The wrapped statement may be nil (the
// memory backend reports several steps not applicable); the wrapper still
// records the cycle so tests can observe it.
type spyStatement struct {
	rec   *recorder
	name  string
	inner storage.Statement
	fail  error
}

func (st *spyStatement) Exec() error {
	st.rec.record(st.name + ":exec")
	var err error
	if st.inner != nil {
		// Run the real statement first so the wrapped backend stays
		// consistent; the injected failure only fakes the reported status.
		err = st.inner.Exec()
	}
	if st.fail != nil {
		return st.fail
	}
	return err
}

func (st *spyStatement) Reset() {
	st.rec.record(st.name + ":reset")
	if st.inner != nil {
		st.inner.Reset()
	}
}

// spyExtension records every factory and hook call into the shared trace.
type spyExtension struct {
	rec  *recorder
	name string

	// failPrepare makes PrepareIfNeeded report failure.
	failPrepare bool
}

func (e *spyExtension) NewConnection(conn *yapdb.Connection) yapdb.ExtensionConnection {
	e.rec.record(e.name + ":new-connection")
	return &spyExtensionConnection{ext: e}
}

type spyExtensionConnection struct {
	ext *spyExtension
}

func (c *spyExtensionConnection) NewReadTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	c.ext.rec.record(c.ext.name + ":new-read")
	return &spyExtensionTransaction{ext: c.ext}
}

func (c *spyExtensionConnection) NewReadWriteTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	c.ext.rec.record(c.ext.name + ":new-readwrite")
	return &spyExtensionTransaction{ext: c.ext}
}

type spyExtensionTransaction struct {
	ext *spyExtension
}

func (t *spyExtensionTransaction) PrepareIfNeeded() bool {
	t.ext.rec.record(t.ext.name + ":prepare")
	return !t.ext.failPrepare
}

func (t *spyExtensionTransaction) PreCommitTransaction() {
	t.ext.rec.record(t.ext.name + ":preCommit")
}

func (t *spyExtensionTransaction) CommitTransaction() {
	t.ext.rec.record(t.ext.name + ":commit")
}

// newSpyDB builds a database over a spy store plus one connection.
func newSpyDB(t *testing.T) (*yapdb.Database, *yapdb.Connection, *recorder, *spyStore) {
	t.Helper()
	rec := &recorder{}
	store := newSpyStore(rec)
	db, err := yapdb.Open(yapdb.Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.NewConnection()
	require.NoError(t, err)
	return db, conn, rec, store
}

// newTestDB builds a plain in-memory database plus one connection.
func newTestDB(t *testing.T) (*yapdb.Database, *yapdb.Connection) {
	t.Helper()
	db, err := yapdb.Open(yapdb.Options{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.NewConnection()
	require.NoError(t, err)
	return db, conn
}
