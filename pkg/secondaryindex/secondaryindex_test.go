package secondaryindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nolanw/YapDatabase/pkg/secondaryindex"
	"github.com/nolanw/YapDatabase/pkg/storage"
	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

const indexName = "by-field"

// bookEntries indexes the author, pages, and rating fields of book rows.
func bookEntries(collection, key string, object, metadata any) []secondaryindex.IndexEntry {
	book, ok := object.(map[string]any)
	if !ok {
		return nil
	}
	var entries []secondaryindex.IndexEntry
	if author, ok := book["author"].(string); ok {
		entries = append(entries, secondaryindex.IndexEntry{Column: "author", Value: secondaryindex.String(author)})
	}
	if pages, ok := book["pages"].(int); ok {
		entries = append(entries, secondaryindex.IndexEntry{Column: "pages", Value: secondaryindex.Int(int64(pages))})
	}
	if rating, ok := book["rating"].(float64); ok {
		entries = append(entries, secondaryindex.IndexEntry{Column: "rating", Value: secondaryindex.Float(rating)})
	}
	return entries
}

func book(author string, pages int, rating float64) map[string]any {
	return map[string]any{"author": author, "pages": pages, "rating": rating}
}

func newIndexedDB(t *testing.T, opts secondaryindex.Options) *yapdb.Connection {
	t.Helper()
	db, err := yapdb.Open(yapdb.Options{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Register(indexName, secondaryindex.New(indexName, bookEntries, opts)))

	conn, err := db.NewConnection()
	require.NoError(t, err)
	return conn
}

func seedBooks(t *testing.T, conn *yapdb.Connection) {
	t.Helper()
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "dispossessed", book("Le Guin", 341, 4.8), nil))
		require.NoError(t, tx.Set("books", "left-hand", book("Le Guin", 304, 4.7), nil))
		require.NoError(t, tx.Set("books", "diamond-age", book("Stephenson", 499, 4.2), nil))
		require.NoError(t, tx.Set("books", "solaris", book("Lem", 204, 4.5), nil))
		return nil
	}))
}

// matchKeys runs Match and collects the enumerated keys.
func matchKeys(t *testing.T, tx *yapdb.Transaction, column string, value secondaryindex.Value) []string {
	t.Helper()
	x := secondaryindex.In(tx, indexName)
	require.NotNil(t, x)
	var keys []string
	require.NoError(t, x.Match(column, value, func(collection, key string, stop *bool) {
		keys = append(keys, collection+"/"+key)
	}))
	return keys
}

func TestIndex_Match_FindsRowsByColumnValue(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Equal(t,
			[]string{"books/dispossessed", "books/left-hand"},
			matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		require.Equal(t,
			[]string{"books/solaris"},
			matchKeys(t, tx, "pages", secondaryindex.Int(204)))
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Banks")))
		return nil
	}))
}

func TestIndex_Match_DistinguishesKinds(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		// The pages column holds integers; the same digits as a string miss.
		require.Empty(t, matchKeys(t, tx, "pages", secondaryindex.String("204")))
		return nil
	}))
}

func TestIndex_Match_SeesTransactionOwnWrites(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "lathe", book("Le Guin", 184, 4.6), nil))
		require.NoError(t, tx.Delete("books", "left-hand"))

		require.Equal(t,
			[]string{"books/dispossessed", "books/lathe"},
			matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		return nil
	}))

	// Committed state agrees with what the transaction saw.
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Equal(t,
			[]string{"books/dispossessed", "books/lathe"},
			matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		return nil
	}))
}

func TestIndex_Update_ReplacesEntries(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "solaris", book("Stanisław Lem", 204, 4.5), nil)
	}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Lem")))
		require.Equal(t,
			[]string{"books/solaris"},
			matchKeys(t, tx, "author", secondaryindex.String("Stanisław Lem")))
		return nil
	}))
}

func TestIndex_Delete_RemovesEntries(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Delete("books", "diamond-age")
	}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Stephenson")))
		require.Empty(t, matchKeys(t, tx, "pages", secondaryindex.Int(499)))
		return nil
	}))
}

func TestIndex_DeleteCollection_RemovesEntries(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("magazines", "whole-earth", book("Brand", 96, 4.0), nil)
	}))

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		n, err := tx.DeleteCollection("books")
		require.NoError(t, err)
		require.Equal(t, 4, n)
		return nil
	}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Lem")))
		// The other collection's entries survive.
		require.Equal(t,
			[]string{"magazines/whole-earth"},
			matchKeys(t, tx, "author", secondaryindex.String("Brand")))
		return nil
	}))
}

func TestIndex_Range_OrdersByValue(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		x := secondaryindex.In(tx, indexName)
		require.NotNil(t, x)

		var keys []string
		var pages []int64
		err := x.Range("pages", secondaryindex.Int(204), secondaryindex.Int(400),
			func(collection, key string, value secondaryindex.Value, stop *bool) {
				keys = append(keys, key)
				pages = append(pages, value.Int())
			})
		require.NoError(t, err)
		require.Equal(t, []string{"solaris", "left-hand", "dispossessed"}, keys)
		require.Equal(t, []int64{204, 304, 341}, pages)

		var ratings []float64
		err = x.Range("rating", secondaryindex.Float(4.5), secondaryindex.Float(5),
			func(collection, key string, value secondaryindex.Value, stop *bool) {
				ratings = append(ratings, value.Float())
			})
		require.NoError(t, err)
		require.Equal(t, []float64{4.5, 4.7, 4.8}, ratings)
		return nil
	}))
}

func TestIndex_Range_StopEndsEnumeration(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		x := secondaryindex.In(tx, indexName)
		require.NotNil(t, x)

		var seen int
		err := x.Range("pages", secondaryindex.Int(0), secondaryindex.Int(1000),
			func(collection, key string, value secondaryindex.Value, stop *bool) {
				seen++
				*stop = true
			})
		require.NoError(t, err)
		require.Equal(t, 1, seen)
		return nil
	}))
}

func TestIndex_Range_RejectsMismatchedKinds(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		x := secondaryindex.In(tx, indexName)
		require.NotNil(t, x)

		err := x.Range("pages", secondaryindex.Int(1), secondaryindex.String("z"), func(string, string, secondaryindex.Value, *bool) {})
		require.ErrorIs(t, err, secondaryindex.ErrKindMismatch)

		err = x.Range("pages", secondaryindex.Value{}, secondaryindex.Value{}, func(string, string, secondaryindex.Value, *bool) {})
		require.ErrorIs(t, err, secondaryindex.ErrKindMismatch)
		return nil
	}))
}

func TestIndex_Match_MutationWithoutStopFails(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		x := secondaryindex.In(tx, indexName)
		require.NotNil(t, x)

		err := x.Match("author", secondaryindex.String("Lem"), func(collection, key string, stop *bool) {
			require.NoError(t, tx.Set("books", "fiasco", book("Lem", 322, 4.1), nil))
		})
		require.ErrorIs(t, err, yapdb.ErrConcurrentMutation)

		// Setting stop first keeps the same mutation legal, and the
		// transaction stays usable.
		err = x.Match("author", secondaryindex.String("Stephenson"), func(collection, key string, stop *bool) {
			*stop = true
			require.NoError(t, tx.Set("books", "anathem", book("Stephenson", 937, 4.4), nil))
		})
		require.NoError(t, err)
		return nil
	}))
}

func TestIndex_ReadOnly_UnavailableUntilPopulated(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})

	// No writable transaction has run, so nothing is persisted yet and a
	// read-only transaction cannot use the index.
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Nil(t, secondaryindex.In(tx, indexName))
		return nil
	}))

	seedBooks(t, conn)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.NotNil(t, secondaryindex.In(tx, indexName))
		return nil
	}))
}

func TestIndex_Rebuild_CoversPreexistingRows(t *testing.T) {
	db, err := yapdb.Open(yapdb.Options{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.NewConnection()
	require.NoError(t, err)

	// Rows land before the index exists.
	seedBooks(t, conn)
	require.NoError(t, db.Register(indexName, secondaryindex.New(indexName, bookEntries, secondaryindex.Options{})))

	// The first writable transaction after registration rebuilds, even with
	// nothing of its own to write.
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error { return nil }))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Equal(t,
			[]string{"books/dispossessed", "books/left-hand"},
			matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		return nil
	}))
}

func TestIndex_QueryDuringRebuildTransaction(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})

	// The very first writable transaction both writes rows and queries them:
	// the index rebuilds on first use and answers from its pending state.
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "dispossessed", book("Le Guin", 341, 4.8), nil))
		require.NoError(t, tx.Set("books", "solaris", book("Lem", 204, 4.5), nil))

		require.Equal(t,
			[]string{"books/dispossessed"},
			matchKeys(t, tx, "author", secondaryindex.String("Le Guin")))
		return nil
	}))
}

func TestIndex_Rollback_DiscardsIndexChanges(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "fiasco", book("Lem", 322, 4.1), nil))
		require.NoError(t, tx.Delete("books", "solaris"))
		tx.Rollback()
		return nil
	}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, matchKeys(t, tx, "pages", secondaryindex.Int(322)))
		require.Equal(t,
			[]string{"books/solaris"},
			matchKeys(t, tx, "author", secondaryindex.String("Lem")))
		return nil
	}))
}

func TestIndex_CollectionsOption_LimitsScope(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{Collections: []string{"books"}})
	seedBooks(t, conn)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("magazines", "whole-earth", book("Brand", 96, 4.0), nil)
	}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, matchKeys(t, tx, "author", secondaryindex.String("Brand")))
		require.Equal(t,
			[]string{"books/solaris"},
			matchKeys(t, tx, "author", secondaryindex.String("Lem")))
		return nil
	}))
}

func TestIn_UnregisteredNameReturnsNil(t *testing.T) {
	conn := newIndexedDB(t, secondaryindex.Options{})
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Nil(t, secondaryindex.In(tx, "no-such-index"))
		return nil
	}))
}
