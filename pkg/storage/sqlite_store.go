// SQLite backend.
//
// Demarcation here is literal SQL: each session pins one connection from the
// database/sql pool and prepares BEGIN DEFERRED, BEGIN IMMEDIATE, COMMIT, and
// ROLLBACK against it once. BeginStatement hands back the prepared handle for
// the requested mode and the caller execs it. BEGIN IMMEDIATE takes the write
// lock up front so a read-write transaction fails fast instead of hitting
// SQLITE_BUSY at commit.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS yap_rows (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	object     BLOB,
	metadata   BLOB,
	PRIMARY KEY (collection, key)
);

CREATE TABLE IF NOT EXISTS yap_extension_rows (
	extension TEXT NOT NULL,
	key       BLOB NOT NULL,
	value     BLOB,
	PRIMARY KEY (extension, key)
);
`

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// Path is the database file. Ignored when InMemory is set.
	Path string

	// InMemory opens a private in-memory database shared by all sessions of
	// this store.
	InMemory bool

	// BusyTimeoutMS is the per-connection busy timeout. Defaults to 5000.
	BusyTimeoutMS int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// SQLiteStore implements Store over a SQLite database file.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
	closed bool
}

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed store.
func OpenSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	dsn := sqliteDSN(opts)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	logger.Debug("sqlite store open", zap.String("dsn", dsn))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// OpenSQLiteStoreInMemory opens a throwaway in-memory store, used by tests.
func OpenSQLiteStoreInMemory() (*SQLiteStore, error) {
	return OpenSQLiteStore(SQLiteOptions{InMemory: true})
}

// sqliteDSN builds the connection string. Pragmas ride on the DSN so every
// pooled connection gets them.
func sqliteDSN(opts SQLiteOptions) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeoutMS))
	q.Add("_pragma", "foreign_keys(OFF)")
	if opts.InMemory {
		// A unique name keeps concurrently open in-memory stores private to
		// themselves while cache=shared lets this store's sessions see one
		// database.
		name := "yapdb-" + uuid.NewString()
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, q.Encode())
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return fmt.Sprintf("file:%s?%s", opts.Path, q.Encode())
}

// NewConn pins a pool connection and prepares the demarcation statements on
// it.
func (s *SQLiteStore) NewConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin sqlite connection: %w", err)
	}

	c := &sqliteConn{store: s, conn: conn, ctx: ctx}
	for _, p := range []struct {
		dst **sql.Stmt
		sql string
	}{
		{&c.beginRead, "BEGIN DEFERRED"},
		{&c.beginWrite, "BEGIN IMMEDIATE"},
		{&c.commitStmt, "COMMIT"},
		{&c.rollbackStmt, "ROLLBACK"},
	} {
		stmt, err := conn.PrepareContext(ctx, p.sql)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("prepare %q: %w", p.sql, err)
		}
		*p.dst = stmt
	}
	c.begin = &sqliteStatement{conn: c, op: stmtBegin}
	c.commit = &sqliteStatement{conn: c, op: stmtCommit}
	c.rollback = &sqliteStatement{conn: c, op: stmtRollback}
	return c, nil
}

// Close closes the underlying database. Sessions still open keep their pinned
// connections until they close.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// sqliteStatement routes Exec to the prepared demarcation statement matching
// its role and the transaction mode requested at borrow time.
type sqliteStatement struct {
	conn     *sqliteConn
	op       int
	writable bool
	inUse    bool
}

func (st *sqliteStatement) Exec() error {
	c := st.conn
	switch st.op {
	case stmtBegin:
		if c.inTxn {
			return ErrTransactionActive
		}
		stmt := c.beginRead
		if st.writable {
			stmt = c.beginWrite
		}
		if _, err := stmt.ExecContext(c.ctx); err != nil {
			return err
		}
		c.inTxn = true
		c.writable = st.writable
		return nil
	case stmtCommit:
		if !c.inTxn {
			return ErrNoTransaction
		}
		c.inTxn = false
		_, err := c.commitStmt.ExecContext(c.ctx)
		return err
	case stmtRollback:
		if !c.inTxn {
			return ErrNoTransaction
		}
		c.inTxn = false
		_, err := c.rollbackStmt.ExecContext(c.ctx)
		return err
	}
	return nil
}

func (st *sqliteStatement) Reset() {
	st.inUse = false
}

// sqliteConn is one session on a pinned connection.
type sqliteConn struct {
	store *SQLiteStore
	conn  *sql.Conn
	ctx   context.Context

	beginRead    *sql.Stmt
	beginWrite   *sql.Stmt
	commitStmt   *sql.Stmt
	rollbackStmt *sql.Stmt

	begin    *sqliteStatement
	commit   *sqliteStatement
	rollback *sqliteStatement

	inTxn    bool
	writable bool
	closed   bool
}

func (c *sqliteConn) BeginStatement(writable bool) Statement {
	c.begin.writable = writable
	c.begin.inUse = true
	return c.begin
}

func (c *sqliteConn) CommitStatement(writable bool) Statement {
	c.commit.writable = writable
	c.commit.inUse = true
	return c.commit
}

func (c *sqliteConn) RollbackStatement() Statement {
	c.rollback.inUse = true
	return c.rollback
}

func (c *sqliteConn) active() error {
	if c.closed {
		return ErrStoreClosed
	}
	if !c.inTxn {
		return ErrNoTransaction
	}
	return nil
}

func (c *sqliteConn) activeWritable() error {
	if err := c.active(); err != nil {
		return err
	}
	if !c.writable {
		return ErrReadOnly
	}
	return nil
}

func (c *sqliteConn) Get(collection, key string) (*Row, error) {
	if err := c.active(); err != nil {
		return nil, err
	}
	row := &Row{Collection: collection, Key: key}
	err := c.conn.QueryRowContext(c.ctx,
		"SELECT object, metadata FROM yap_rows WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&row.Object, &row.Metadata)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (c *sqliteConn) Set(row *Row) error {
	if err := c.activeWritable(); err != nil {
		return err
	}
	if err := ValidateName(row.Collection, row.Key); err != nil {
		return err
	}
	_, err := c.conn.ExecContext(c.ctx,
		`INSERT INTO yap_rows (collection, key, object, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET object = excluded.object, metadata = excluded.metadata`,
		row.Collection, row.Key, row.Object, row.Metadata,
	)
	return err
}

func (c *sqliteConn) Delete(collection, key string) error {
	if err := c.activeWritable(); err != nil {
		return err
	}
	res, err := c.conn.ExecContext(c.ctx,
		"DELETE FROM yap_rows WHERE collection = ? AND key = ?",
		collection, key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (c *sqliteConn) DeleteCollection(collection string) (int, error) {
	if err := c.activeWritable(); err != nil {
		return 0, err
	}
	res, err := c.conn.ExecContext(c.ctx,
		"DELETE FROM yap_rows WHERE collection = ?", collection,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *sqliteConn) Count(collection string) (int, error) {
	if err := c.active(); err != nil {
		return 0, err
	}
	var n int
	err := c.conn.QueryRowContext(c.ctx,
		"SELECT COUNT(*) FROM yap_rows WHERE collection = ?", collection,
	).Scan(&n)
	return n, err
}

func (c *sqliteConn) Collections() ([]string, error) {
	if err := c.active(); err != nil {
		return nil, err
	}
	rows, err := c.conn.QueryContext(c.ctx,
		"SELECT DISTINCT collection FROM yap_rows ORDER BY collection",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *sqliteConn) NewRowIterator(collection string, keysOnly bool) RowIterator {
	if err := c.active(); err != nil {
		return &errRowIterator{err: err}
	}
	query := "SELECT key, object, metadata FROM yap_rows WHERE collection = ? ORDER BY key"
	if keysOnly {
		query = "SELECT key FROM yap_rows WHERE collection = ? ORDER BY key"
	}
	rows, err := c.conn.QueryContext(c.ctx, query, collection)
	if err != nil {
		return &errRowIterator{err: err}
	}
	return &sqliteRowIterator{rows: rows, collection: collection, keysOnly: keysOnly}
}

func (c *sqliteConn) GetExtensionRow(extension string, key []byte) ([]byte, error) {
	if err := c.active(); err != nil {
		return nil, err
	}
	var value []byte
	err := c.conn.QueryRowContext(c.ctx,
		"SELECT value FROM yap_extension_rows WHERE extension = ? AND key = ?",
		extension, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *sqliteConn) SetExtensionRow(extension string, key, value []byte) error {
	if err := c.activeWritable(); err != nil {
		return err
	}
	if err := ValidateName(extension); err != nil {
		return err
	}
	_, err := c.conn.ExecContext(c.ctx,
		`INSERT INTO yap_extension_rows (extension, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (extension, key) DO UPDATE SET value = excluded.value`,
		extension, key, value,
	)
	return err
}

func (c *sqliteConn) DeleteExtensionRow(extension string, key []byte) error {
	if err := c.activeWritable(); err != nil {
		return err
	}
	_, err := c.conn.ExecContext(c.ctx,
		"DELETE FROM yap_extension_rows WHERE extension = ? AND key = ?",
		extension, key,
	)
	return err
}

func (c *sqliteConn) NewExtensionRowIterator(extension string, prefix []byte) ExtensionRowIterator {
	if err := c.active(); err != nil {
		return &errExtensionRowIterator{err: err}
	}

	var (
		rows *sql.Rows
		err  error
	)
	if len(prefix) == 0 {
		rows, err = c.conn.QueryContext(c.ctx,
			"SELECT key, value FROM yap_extension_rows WHERE extension = ? ORDER BY key",
			extension,
		)
	} else if upper, ok := prefixUpperBound(prefix); ok {
		rows, err = c.conn.QueryContext(c.ctx,
			"SELECT key, value FROM yap_extension_rows WHERE extension = ? AND key >= ? AND key < ? ORDER BY key",
			extension, prefix, upper,
		)
	} else {
		rows, err = c.conn.QueryContext(c.ctx,
			"SELECT key, value FROM yap_extension_rows WHERE extension = ? AND key >= ? ORDER BY key",
			extension, prefix,
		)
	}
	if err != nil {
		return &errExtensionRowIterator{err: err}
	}
	return &sqliteExtensionRowIterator{rows: rows}
}

func (c *sqliteConn) DeleteExtensionRows(extension string) (int, error) {
	if err := c.activeWritable(); err != nil {
		return 0, err
	}
	res, err := c.conn.ExecContext(c.ctx,
		"DELETE FROM yap_extension_rows WHERE extension = ?", extension,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close rolls back any live transaction, releases the prepared statements,
// and returns the pinned connection to the pool.
func (c *sqliteConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.inTxn {
		c.inTxn = false
		if _, err := c.rollbackStmt.ExecContext(c.ctx); err != nil {
			c.store.logger.Warn("rollback on session close failed", zap.Error(err))
		}
	}
	for _, stmt := range []*sql.Stmt{c.beginRead, c.beginWrite, c.commitStmt, c.rollbackStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return c.conn.Close()
}

// prefixUpperBound returns the smallest byte string greater than every string
// with the given prefix. ok is false when no such bound exists (all 0xff).
func prefixUpperBound(prefix []byte) ([]byte, bool) {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1], true
		}
	}
	return nil, false
}

// sqliteRowIterator adapts *sql.Rows to RowIterator.
type sqliteRowIterator struct {
	rows       *sql.Rows
	collection string
	keysOnly   bool
	row        *Row
	err        error
	closed     bool
}

func (s *sqliteRowIterator) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = s.rows.Err()
		return false
	}
	row := &Row{Collection: s.collection}
	if s.keysOnly {
		s.err = s.rows.Scan(&row.Key)
	} else {
		s.err = s.rows.Scan(&row.Key, &row.Object, &row.Metadata)
	}
	if s.err != nil {
		return false
	}
	s.row = row
	return true
}

func (s *sqliteRowIterator) Row() *Row  { return s.row }
func (s *sqliteRowIterator) Err() error { return s.err }

func (s *sqliteRowIterator) Close() {
	if !s.closed {
		s.closed = true
		s.rows.Close()
	}
}

// sqliteExtensionRowIterator adapts *sql.Rows to ExtensionRowIterator.
type sqliteExtensionRowIterator struct {
	rows   *sql.Rows
	key    []byte
	value  []byte
	err    error
	closed bool
}

func (s *sqliteExtensionRowIterator) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = s.rows.Err()
		return false
	}
	if s.err = s.rows.Scan(&s.key, &s.value); s.err != nil {
		return false
	}
	return true
}

func (s *sqliteExtensionRowIterator) Key() []byte   { return s.key }
func (s *sqliteExtensionRowIterator) Value() []byte { return s.value }
func (s *sqliteExtensionRowIterator) Err() error    { return s.err }

func (s *sqliteExtensionRowIterator) Close() {
	if !s.closed {
		s.closed = true
		s.rows.Close()
	}
}
