package registry

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	tetherdb "github.com/tetherhq/tether/internal/db"
	"github.com/tetherhq/tether/internal/source"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if _, err := d.Exec(tetherdb.Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return d
}

func testSource() source.Source {
	return source.Source{UserID: "u1", Platform: "slack", ResourceKind: "channel", ResourceID: "C1"}
}

func TestGetAbsent(t *testing.T) {
	d := openTestDB(t)

	_, ok, err := Get(d, testSource())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected no state for never-synced source")
	}
}

func TestCommitAndGet(t *testing.T) {
	d := openTestDB(t)
	src := testSource()

	if err := AddSource(d, src); err != nil {
		t.Fatalf("add source: %v", err)
	}

	remoteSeen := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := Commit(d, src, "1712345678.000100!abc", remoteSeen, 42); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st, ok, err := Get(d, src)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected state after commit")
	}
	// Cursors are opaque; the registry must return them byte-for-byte.
	if st.Cursor != "1712345678.000100!abc" {
		t.Fatalf("cursor not stored verbatim: %q", st.Cursor)
	}
	if !st.LastRemoteSeenAt.Equal(remoteSeen.UTC()) {
		t.Fatalf("remote seen mismatch: %v != %v", st.LastRemoteSeenAt, remoteSeen)
	}
	if st.ItemCount != 42 {
		t.Fatalf("item count mismatch: %d", st.ItemCount)
	}
	if st.LastSyncedAt.IsZero() {
		t.Fatalf("expected last_synced_at set")
	}
}

func TestCommitKeepsMaxRemoteSeen(t *testing.T) {
	d := openTestDB(t)
	src := testSource()
	if err := AddSource(d, src); err != nil {
		t.Fatalf("add source: %v", err)
	}

	newer := time.Now().Truncate(time.Second)
	older := newer.Add(-2 * time.Hour)

	if err := Commit(d, src, "c1", newer, 1); err != nil {
		t.Fatalf("commit newer: %v", err)
	}
	// A re-fetch of an overlapping page may observe only older items;
	// that must not move last_remote_seen_at backwards.
	if err := Commit(d, src, "c2", older, 1); err != nil {
		t.Fatalf("commit older: %v", err)
	}

	st, _, err := Get(d, src)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !st.LastRemoteSeenAt.Equal(newer.UTC()) {
		t.Fatalf("remote seen regressed: %v", st.LastRemoteSeenAt)
	}
	if st.Cursor != "c2" {
		t.Fatalf("cursor should still advance: %q", st.Cursor)
	}
}

func TestRemoveSourceDropsState(t *testing.T) {
	d := openTestDB(t)
	src := testSource()
	if err := AddSource(d, src); err != nil {
		t.Fatalf("add source: %v", err)
	}
	if err := Commit(d, src, "c1", time.Now(), 3); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := RemoveSource(d, src); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, ok, err := Get(d, src)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected state gone after source removal")
	}

	// Re-adding starts over as a first-time source.
	if err := AddSource(d, src); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	_, ok, _ = Get(d, src)
	if ok {
		t.Fatalf("re-added source must not inherit a cursor")
	}
}

func TestListSources(t *testing.T) {
	d := openTestDB(t)
	a := source.Source{UserID: "u1", Platform: "slack", ResourceKind: "channel", ResourceID: "C1"}
	b := source.Source{UserID: "u2", Platform: "gmail", ResourceKind: "label", ResourceID: "INBOX"}
	for _, s := range []source.Source{a, b} {
		if err := AddSource(d, s); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	all, err := ListSources(d, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(all))
	}

	u1, err := ListSources(d, "u1")
	if err != nil {
		t.Fatalf("list u1: %v", err)
	}
	if len(u1) != 1 || u1[0] != a {
		t.Fatalf("unexpected u1 sources: %+v", u1)
	}
}

func TestCommitRollsBackWithTransaction(t *testing.T) {
	d := openTestDB(t)
	src := testSource()
	if err := AddSource(d, src); err != nil {
		t.Fatalf("add source: %v", err)
	}

	tx, err := d.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := Commit(tx, src, "c1", time.Now(), 10); err != nil {
		t.Fatalf("commit in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	_, ok, err := Get(d, src)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("rolled-back commit must leave no state")
	}
}
