package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/kv"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/records"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRunMigrationsAppliesAllSequentially(t *testing.T) {
	t.Parallel()

	db := openRawTestDB(t)
	defer closeNoErr(t, db)

	err := RunMigrations(db, DefaultMigrations())
	require.NoError(t, err)

	require.Equal(t, CurrentSchemaVersion(), mustSchemaVersion(t, db))

	for _, table := range []string{"store_meta", "schema_migrations", "kv_entries", "audit_events"} {
		require.Truef(t, tableExists(t, db, table), "expected table %s to exist", table)
	}

	// Re-running is a no-op.
	require.NoError(t, RunMigrations(db, DefaultMigrations()))
	require.Equal(t, CurrentSchemaVersion(), mustSchemaVersion(t, db))
}

func TestRunMigrationsIsAtomic(t *testing.T) {
	t.Parallel()

	db := openRawTestDB(t)
	defer closeNoErr(t, db)

	migrations := []Migration{
		{
			Version:     1,
			Description: "create a",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE test_a (id TEXT PRIMARY KEY)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create b then fail",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE test_b (id TEXT PRIMARY KEY)`); err != nil {
					return err
				}
				return errors.New("boom")
			},
		},
	}

	err := RunMigrations(db, migrations)
	require.Error(t, err)
	require.Equal(t, 1, mustSchemaVersion(t, db))
	require.True(t, tableExists(t, db, "test_a"))
	require.False(t, tableExists(t, db, "test_b"))
}

func TestOpenRefusesNewerSchemaVersion(t *testing.T) {
	t.Parallel()

	path := rawDBPath(t)
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db, DefaultMigrations()))
	_, err = db.Exec(`UPDATE store_meta SET value = ? WHERE key = 'schema_version'`, CurrentSchemaVersion()+1)
	require.NoError(t, err)
	closeNoErr(t, db)

	store, err := Open(path)
	if store != nil {
		t.Cleanup(func() { _ = store.Close() })
	}
	require.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
}

func TestOpenSetsRestrictivePermissions(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}

	store := newTestStore(t)
	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion(), version)
}

func TestStoreUpdateCommitsAndViewReads(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Set(ctx, "alpha", []byte("one")); err != nil {
			return err
		}
		if err := tx.Set(ctx, "empty", nil); err != nil {
			return err
		}
		// Writes are visible inside the same invocation.
		value, ok, err := tx.Get(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("one"), value)
		return nil
	}))

	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		value, ok, err := r.Get(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("one"), value)

		value, ok, err = r.Get(ctx, "empty")
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, value)

		_, ok, err = r.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Set(ctx, "alpha", []byte("two")); err != nil {
			return err
		}
		return tx.Remove(ctx, "empty")
	}))

	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		value, ok, err := r.Get(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("two"), value)

		_, ok, err = r.Get(ctx, "empty")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
		return tx.Set(ctx, "kept", []byte("v1"))
	}))

	boom := errors.New("boom")
	err := store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Set(ctx, "kept", []byte("v2")); err != nil {
			return err
		}
		if err := tx.Set(ctx, "new", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		value, ok, err := r.Get(ctx, "kept")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v1"), value)

		_, ok, err = r.Get(ctx, "new")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func TestStoreRejectsNilCallbacks(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.Error(t, store.View(ctx, nil))
	require.Error(t, store.Update(ctx, nil))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := rawDBPath(t)
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Update(ctx, func(tx kv.Tx) error {
		return tx.Set(ctx, "durable", []byte("yes"))
	}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { closeStoreNoErr(t, second) })
	require.NoError(t, second.View(ctx, func(r kv.Reader) error {
		value, ok, err := r.Get(ctx, "durable")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("yes"), value)
		return nil
	}))
}

func TestRecordStoreOverSQLite(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	alice := auth.Identity("ssh-ed25519 AAAAalice")
	bob := auth.Identity("ssh-ed25519 AAAAbob")

	recs, err := records.New(store, auth.AllowAll())
	require.NoError(t, err)

	id1, err := recs.CreateRecord(ctx, alice, "A", "first", 10)
	require.NoError(t, err)
	id2, err := recs.CreateRecord(ctx, bob, "B", "second", 20)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id1)
	require.Equal(t, uint32(2), id2)

	ok, err := recs.UpdateRecord(ctx, bob, id1, "X", "x", 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = recs.DeleteRecord(ctx, alice, id1)
	require.NoError(t, err)
	require.True(t, ok)

	id3, err := recs.CreateRecord(ctx, alice, "C", "third", 30)
	require.NoError(t, err)
	require.Equal(t, uint32(3), id3)

	all, err := recs.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, id2, all[0].ID)
	require.Equal(t, id3, all[1].ID)

	count, err := recs.RecordsCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
}

func TestRecordStoreConcurrentCreatesOverSQLite(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	recs, err := records.New(store, auth.AllowAll())
	require.NoError(t, err)

	const (
		workers   = 8
		perWorker = 5
	)
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := recs.CreateRecord(ctx, "ssh-ed25519 AAAAworker", "n", "d", uint64(i)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := recs.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, workers*perWorker)
	seen := make(map[uint32]struct{}, len(all))
	for i, rec := range all {
		require.Equal(t, uint32(i+1), rec.ID)
		seen[rec.ID] = struct{}{}
	}
	require.Len(t, seen, workers*perWorker)
}

func TestAuditAppendAndList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []*AuditEvent{
		{Actor: "alice", Action: "record.create", TargetType: "record", TargetID: "1", Result: "success", CreatedAt: base},
		{Actor: "bob", Action: "record.update", TargetType: "record", TargetID: "1", Result: "not-owner", CreatedAt: base.Add(time.Minute)},
		{Actor: "alice", Action: "record.delete", TargetType: "record", TargetID: "1", Result: "success", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, event := range events {
		require.NoError(t, store.Audit.Append(ctx, event))
		require.NotEmpty(t, event.ID)
		require.Equal(t, "{}", event.DetailsJSON)
	}

	all, err := store.Audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "record.create", all[0].Action)
	require.True(t, all[0].CreatedAt.Equal(base))

	byActor, err := store.Audit.List(ctx, AuditFilter{Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, byActor, 2)

	byAction, err := store.Audit.List(ctx, AuditFilter{Action: "record.update"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	require.Equal(t, "not-owner", byAction[0].Result)

	since := base.Add(30 * time.Second)
	until := base.Add(90 * time.Second)
	window, err := store.Audit.List(ctx, AuditFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, "bob", window[0].Actor)

	limited, err := store.Audit.List(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestAuditAppendRequiresAction(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.Error(t, store.Audit.Append(context.Background(), &AuditEvent{Actor: "x"}))
	require.Error(t, store.Audit.Append(context.Background(), nil))
}

func TestAuditChainTip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	tip, err := store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Empty(t, tip)

	var seen []string
	link := func(hash string) ChainLink {
		return func(prev string) (string, error) {
			seen = append(seen, prev)
			return hash, nil
		}
	}

	first := &AuditEvent{Action: "record.create"}
	require.NoError(t, store.Audit.AppendChained(ctx, first, link("h1")))
	require.Empty(t, first.PrevHash)
	require.Equal(t, "h1", first.EventHash)

	tip, err = store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, "h1", tip)

	require.NoError(t, store.Audit.SetChainTip(ctx, "h2"))
	second := &AuditEvent{Action: "record.update"}
	require.NoError(t, store.Audit.AppendChained(ctx, second, link("h3")))
	require.Equal(t, "h2", second.PrevHash)
	require.Equal(t, []string{"", "h2"}, seen)

	// A failed append leaves the tip untouched.
	require.Error(t, store.Audit.AppendChained(ctx, &AuditEvent{}, link("h4")))
	require.Error(t, store.Audit.AppendChained(ctx, &AuditEvent{Action: "record.delete"}, func(string) (string, error) {
		return "", errors.New("boom")
	}))
	tip, err = store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, "h3", tip)

	all, err := store.Audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAuditAppendChainedAcrossHandles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.db")
	first, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	next := func(prev string) (string, error) { return prev + "x", nil }
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Audit.AppendChained(ctx, &AuditEvent{Action: "record.create"}, next))
		require.NoError(t, second.Audit.AppendChained(ctx, &AuditEvent{Action: "record.update"}, next))
	}

	events, err := first.Audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 6)
	prev := ""
	for _, event := range events {
		require.Equal(t, prev, event.PrevHash)
		prev = event.EventHash
	}
	tip, err := second.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, "xxxxxx", tip)
}

func openRawTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := rawDBPath(t)
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	return db
}

func rawDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "records.db")
}

func mustSchemaVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var version int
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	return version
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(rawDBPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { closeStoreNoErr(t, store) })
	return store
}

func closeStoreNoErr(t *testing.T, store *Store) {
	t.Helper()
	require.NoError(t, store.Close())
}

func closeNoErr(t *testing.T, db *sql.DB) {
	t.Helper()
	require.NoError(t, db.Close())
}
