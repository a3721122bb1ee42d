package yapdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

func TestTransaction_Extension_ReturnsIdenticalCachedInstance(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		first := tx.Extension("idx1")
		second := tx.Extension("idx1")
		require.NotNil(t, first)
		require.Same(t, first, second)
		return nil
	}))

	// Prepared once despite two resolutions.
	require.Equal(t, 1, rec.count("idx1:prepare"))
}

func TestTransaction_Ext_IsIdenticalToExtension(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		viaExt := tx.Ext("idx1")
		viaFull := tx.Extension("idx1")
		require.NotNil(t, viaExt)
		require.Same(t, viaFull, viaExt)
		require.Nil(t, tx.Ext("unregistered"))
		return nil
	}))
	require.Equal(t, 1, rec.count("idx1:prepare"))
}

func TestTransaction_Extension_UnregisteredResolvesNilEveryTime(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.Nil(t, tx.Extension("unregistered"))
		require.Nil(t, tx.Extension("unregistered"))
		require.Empty(t, tx.Extensions())
		require.Nil(t, tx.Extension("unregistered"))
		return nil
	}))

	// Nothing was instantiated or prepared.
	for _, event := range rec.trace() {
		require.NotContains(t, event, ":prepare")
		require.NotContains(t, event, ":new-")
	}
}

func TestTransaction_Extension_PrepareFailureExcludesForRestOfTransaction(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("flaky", &spyExtension{rec: rec, name: "flaky", failPrepare: true}))
	require.NoError(t, db.Register("solid", &spyExtension{rec: rec, name: "solid"}))

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.Nil(t, tx.Extension("flaky"))
		require.Nil(t, tx.Extension("flaky"))
		require.NotNil(t, tx.Extension("solid"))
		return tx.Set("books", "a", "1", nil)
	}))

	// Not retried within the transaction, and never reached a hook.
	require.Equal(t, 1, rec.count("flaky:prepare"))
	require.Equal(t, 0, rec.count("flaky:preCommit"))
	require.Equal(t, 0, rec.count("flaky:commit"))

	// The healthy extension and the base commit were unaffected.
	require.Equal(t, 1, rec.count("solid:preCommit"))
	require.Equal(t, 1, rec.count("solid:commit"))
	require.Equal(t, 1, rec.count("commit:exec"))

	// Exclusion was per-transaction: the next transaction tries again.
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Nil(t, tx.Extension("flaky"))
		return nil
	}))
	require.Equal(t, 2, rec.count("flaky:prepare"))
}

func TestTransaction_Extensions_BulkForcesEveryRegisteredName(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))
	require.NoError(t, db.Register("search1", &spyExtension{rec: rec, name: "search1"}))
	require.NoError(t, db.Register("flaky", &spyExtension{rec: rec, name: "flaky", failPrepare: true}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		exts := tx.Extensions()
		require.Len(t, exts, 2)
		require.Contains(t, exts, "idx1")
		require.Contains(t, exts, "search1")
		require.NotContains(t, exts, "flaky")

		// Sealed: repeat calls are pure cache reads.
		again := tx.Extensions()
		require.Len(t, again, 2)
		require.Same(t, exts["idx1"], tx.Extension("idx1"))
		require.Nil(t, tx.Extension("flaky"))
		return nil
	}))

	require.Equal(t, 1, rec.count("idx1:prepare"))
	require.Equal(t, 1, rec.count("search1:prepare"))
	require.Equal(t, 1, rec.count("flaky:prepare"))
}

func TestTransaction_Extensions_SealBlocksNamesRegisteredMidTransaction(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.Empty(t, tx.Extensions())

		require.NoError(t, db.Register("late", &spyExtension{rec: rec, name: "late"}))
		require.Nil(t, tx.Extension("late"))
		return nil
	}))
	require.Equal(t, 0, rec.count("late:prepare"))

	// The next transaction sees it.
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("late"))
		return nil
	}))
	require.Equal(t, 1, rec.count("late:prepare"))
}

func TestTransaction_Extension_VariantMatchesTransactionMode(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		return nil
	}))
	require.Equal(t, 1, rec.count("idx1:new-read"))
	require.Equal(t, 0, rec.count("idx1:new-readwrite"))

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		return nil
	}))
	require.Equal(t, 1, rec.count("idx1:new-read"))
	// Once for the explicit resolution; the commit-time bulk force reuses the
	// cached instance.
	require.Equal(t, 1, rec.count("idx1:new-readwrite"))
}

func TestTransaction_PreCommit_ResolvesExtensionsNeverTouchedByCallback(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "a", "1", nil)
	}))

	// The index still processed the commit even though the callback never
	// named it.
	requireOrdered(t, rec, "idx1:prepare", "idx1:preCommit", "idx1:commit", "commit:exec")
}

func TestTransaction_ReadOnly_NeverRunsExtensionHooks(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		return nil
	}))

	require.Equal(t, 1, rec.count("idx1:prepare"))
	require.Equal(t, 0, rec.count("idx1:preCommit"))
	require.Equal(t, 0, rec.count("idx1:commit"))
}

func TestDatabase_Register_RejectsDuplicatesAndBadNames(t *testing.T) {
	db, _, rec, _ := newSpyDB(t)

	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))
	require.ErrorIs(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}), yapdb.ErrExtensionRegistered)
	require.ErrorIs(t, db.Register("bad\x00name", &spyExtension{rec: rec, name: "bad"}), yapdb.ErrInvalidKey)
}
