package yapdb_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

func TestConnection_ReadWrite_TwoPhaseCommitOrdering(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))
	require.NoError(t, db.Register("search1", &spyExtension{rec: rec, name: "search1"}))

	err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		require.NotNil(t, tx.Extension("search1"))
		return tx.Set("books", "moby-dick", "call me ishmael", nil)
	})
	require.NoError(t, err)

	// Both preCommit hooks complete before either commit hook runs, and both
	// commit hooks complete before the base commit statement executes.
	for _, pre := range []string{"idx1:preCommit", "search1:preCommit"} {
		for _, commit := range []string{"idx1:commit", "search1:commit"} {
			require.Less(t, mustIndex(t, rec, pre), mustIndex(t, rec, commit))
		}
	}
	base := mustIndex(t, rec, "commit:exec")
	require.Less(t, mustIndex(t, rec, "idx1:commit"), base)
	require.Less(t, mustIndex(t, rec, "search1:commit"), base)

	require.Equal(t, 1, rec.count("commit:exec"))
	require.Equal(t, 1, rec.count("idx1:preCommit"))
	require.Equal(t, 1, rec.count("search1:preCommit"))
	require.Equal(t, 1, rec.count("idx1:commit"))
	require.Equal(t, 1, rec.count("search1:commit"))
	require.Equal(t, 0, rec.count("rollback:exec"))
}

func TestConnection_ReadWrite_RollbackRequestSkipsAllExtensionHooks(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))
	require.NoError(t, db.Register("search1", &spyExtension{rec: rec, name: "search1"}))

	err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		require.NotNil(t, tx.Extension("search1"))
		require.NoError(t, tx.Set("books", "moby-dick", "call me ishmael", nil))
		tx.Rollback()
		require.True(t, tx.RollbackRequested())
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, rec.count("rollback:exec"))
	require.Equal(t, 0, rec.count("commit:exec"))
	require.Equal(t, 0, rec.count("idx1:preCommit"))
	require.Equal(t, 0, rec.count("idx1:commit"))
	require.Equal(t, 0, rec.count("search1:preCommit"))
	require.Equal(t, 0, rec.count("search1:commit"))

	// The write rolled back with the transaction.
	err = conn.Read(func(tx *yapdb.Transaction) error {
		has, err := tx.Has("books", "moby-dick")
		require.NoError(t, err)
		require.False(t, has)
		return nil
	})
	require.NoError(t, err)
}

func TestConnection_ReadWrite_ErrorRollsBack(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	boom := errors.New("boom")
	err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "moby-dick", "call me ishmael", nil))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Equal(t, 1, rec.count("rollback:exec"))
	require.Equal(t, 0, rec.count("commit:exec"))
}

func TestConnection_ReadWrite_BeginPrecedesEverythingElse(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NotNil(t, tx.Extension("idx1"))
		return tx.Set("books", "moby-dick", "call me ishmael", nil)
	})
	require.NoError(t, err)

	trace := rec.trace()
	require.Equal(t, "begin:exec", trace[0])
	requireOrdered(t, rec, "begin:exec", "begin:reset", "idx1:preCommit", "idx1:commit", "commit:exec", "commit:reset")
}

func TestConnection_ReadWrite_PanicRollsBackAndRepanics(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	require.PanicsWithValue(t, "kaboom", func() {
		_ = conn.ReadWrite(func(tx *yapdb.Transaction) error {
			require.NoError(t, tx.Set("books", "moby-dick", "call me ishmael", nil))
			panic("kaboom")
		})
	})

	require.Equal(t, 1, rec.count("rollback:exec"))
	require.Equal(t, 0, rec.count("commit:exec"))

	// The connection remains usable.
	err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "whale", "thar she blows", nil)
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count("commit:exec"))
}

func TestTransaction_Begin_NotApplicableSentinelIsSilentSuccess(t *testing.T) {
	rec := &recorder{}
	store := newSpyStore(rec)
	store.beginNotApplicable = true

	db, err := yapdb.Open(yapdb.Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.NewConnection()
	require.NoError(t, err)

	report, err := conn.ReadWriteReport(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "moby-dick", "call me ishmael", nil)
	})
	require.NoError(t, err)
	require.NoError(t, report.BeginErr)

	require.Equal(t, 1, rec.count("begin:not-applicable"))
	require.Equal(t, 0, rec.count("begin:exec"))
	require.Equal(t, 0, rec.count("begin:reset"))
	require.Equal(t, 1, rec.count("commit:exec"))
}

func TestTransaction_StatementFailure_AbsorbedLoggedAndReported(t *testing.T) {
	rec := &recorder{}
	store := newSpyStore(rec)
	diskFull := errors.New("disk full")
	store.failCommit = diskFull

	db, err := yapdb.Open(yapdb.Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.NewConnection()
	require.NoError(t, err)

	var notified *yapdb.CommitNotification
	db.OnCommit(func(n *yapdb.CommitNotification) { notified = n })

	// Default ergonomics: the callback error is all ReadWrite returns.
	err = conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "moby-dick", "call me ishmael", nil)
	})
	require.NoError(t, err)

	// The report surfaces what was absorbed.
	report, err := conn.ReadWriteReport(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "whale", "thar she blows", nil)
	})
	require.NoError(t, err)
	require.ErrorIs(t, report.CommitErr, diskFull)
	require.False(t, report.RolledBack)
	require.Zero(t, report.Snapshot)

	// So does the notification.
	require.NotNil(t, notified)
	require.ErrorIs(t, notified.Err, diskFull)
	require.Zero(t, notified.Snapshot)

	// No retry: one exec per transaction, reset still ran on the failure path.
	require.Equal(t, 2, rec.count("commit:exec"))
	require.Equal(t, 2, rec.count("commit:reset"))
	require.Equal(t, 0, rec.count("rollback:exec"))
}

func TestTransaction_StatementHandles_ResetOnEveryPath(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set("books", "a", "1", nil)
	}))
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		tx.Rollback()
		return nil
	}))
	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		return nil
	}))

	for _, name := range []string{"begin", "commit", "rollback"} {
		require.Equal(t, rec.count(name+":exec"), rec.count(name+":reset"),
			"%s exec/reset pairing broken in trace %v", name, rec.trace())
	}
}

func TestConnection_Read_TerminalIsCommitStatement(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	require.NoError(t, conn.Read(func(tx *yapdb.Transaction) error {
		require.False(t, tx.Writable())
		return nil
	}))

	require.Equal(t, 1, rec.count("begin:exec"))
	require.Equal(t, 1, rec.count("commit:exec"))
	require.Equal(t, 0, rec.count("rollback:exec"))
}

func TestConnection_Read_SnapshotEndsEvenOnPanic(t *testing.T) {
	_, conn, rec, _ := newSpyDB(t)

	require.Panics(t, func() {
		_ = conn.Read(func(tx *yapdb.Transaction) error {
			panic("mid-read")
		})
	})
	require.Equal(t, 1, rec.count("commit:exec"))
}

func TestTransaction_AdvisoryCalls_NoOpOnReadOnly(t *testing.T) {
	db, conn, rec, _ := newSpyDB(t)
	require.NoError(t, db.Register("idx1", &spyExtension{rec: rec, name: "idx1"}))

	var notified bool
	db.OnCommit(func(n *yapdb.CommitNotification) { notified = true })

	err := conn.Read(func(tx *yapdb.Transaction) error {
		tx.Rollback()
		require.False(t, tx.RollbackRequested())

		tx.SetNotificationPayload("ignored")
		require.Nil(t, tx.NotificationPayload())
		return nil
	})
	require.NoError(t, err)

	// Read transactions end via the commit statement and never notify.
	require.Equal(t, 1, rec.count("commit:exec"))
	require.Equal(t, 0, rec.count("rollback:exec"))
	require.False(t, notified)
}

func TestTransaction_WritesRejectedOnReadOnly(t *testing.T) {
	_, conn := newTestDB(t)

	err := conn.Read(func(tx *yapdb.Transaction) error {
		require.ErrorIs(t, tx.Set("books", "a", "1", nil), yapdb.ErrReadOnlyTransaction)
		require.ErrorIs(t, tx.Delete("books", "a"), yapdb.ErrReadOnlyTransaction)
		_, err := tx.DeleteCollection("books")
		require.ErrorIs(t, err, yapdb.ErrReadOnlyTransaction)
		require.ErrorIs(t, tx.SetExtensionRow("idx", []byte("k"), []byte("v")), yapdb.ErrReadOnlyTransaction)
		return nil
	})
	require.NoError(t, err)
}

func TestTransaction_UnusableAfterCompletion(t *testing.T) {
	_, conn := newTestDB(t)

	var leaked *yapdb.Transaction
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		leaked = tx
		return tx.Set("books", "a", "1", nil)
	}))

	_, err := leaked.GetObject("books", "a")
	require.ErrorIs(t, err, yapdb.ErrTransactionClosed)
	require.ErrorIs(t, leaked.Set("books", "b", "2", nil), yapdb.ErrTransactionClosed)
	require.Nil(t, leaked.Extension("anything"))
}

func TestDatabase_OnCommit_NotificationCarriesPayloadAndChanges(t *testing.T) {
	db, conn := newTestDB(t)

	var notes []*yapdb.CommitNotification
	db.OnCommit(func(n *yapdb.CommitNotification) { notes = append(notes, n) })

	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "moby-dick", "call me ishmael", "novel"))
		require.NoError(t, tx.Set("books", "whale", "thar she blows", nil))
		require.NoError(t, tx.Delete("books", "whale"))
		tx.SetNotificationPayload("sync-cycle-7")
		return nil
	}))

	require.Len(t, notes, 1)
	n := notes[0]
	require.Equal(t, "sync-cycle-7", n.Payload)
	require.Equal(t, uint64(1), n.Snapshot)
	require.Equal(t, uint64(1), db.Snapshot())
	require.NotEmpty(t, n.TxID)
	require.Equal(t, conn.ID(), n.ConnectionID)
	require.NoError(t, n.Err)
	require.False(t, n.Committed.Before(n.Started))

	require.Equal(t, []yapdb.ChangeRecord{
		{Op: yapdb.OpSet, Collection: "books", Key: "moby-dick"},
		{Op: yapdb.OpSet, Collection: "books", Key: "whale"},
		{Op: yapdb.OpDelete, Collection: "books", Key: "whale"},
	}, n.Changes)

	// Rollbacks never notify.
	require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
		require.NoError(t, tx.Set("books", "x", "y", nil))
		tx.Rollback()
		return nil
	}))
	require.Len(t, notes, 1)
	require.Equal(t, uint64(1), db.Snapshot())
}

func TestDatabase_Snapshot_IncrementsPerCommit(t *testing.T) {
	db, conn := newTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.ReadWrite(func(tx *yapdb.Transaction) error {
			return tx.Set("counters", "n", i, nil)
		}))
	}
	require.Equal(t, uint64(3), db.Snapshot())
}
