// Package registry persists per-source incremental sync state: the
// cursor, sync times and item count needed to answer "is this stale?"
// without fetching content.
//
// Cursors are stored verbatim and never interpreted here; their ordering
// semantics are platform-specific and live inside each adapter.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tetherhq/tether/internal/source"
)

// SyncState is the incremental state for one source.
type SyncState struct {
	Cursor           string    `json:"cursor"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
	LastRemoteSeenAt time.Time `json:"last_remote_seen_at"`
	ItemCount        int       `json:"item_count"`
}

// Querier is the subset of *sql.DB / *sql.Tx the registry needs. Commit
// is expected to run on a transaction shared with the content store write
// so the two can never diverge.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// AddSource registers a source selection. Re-adding an existing key is a
// no-op: the retained state keeps its cursor. A removed-then-re-added
// source starts over because RemoveSource deleted its state.
func AddSource(q Querier, src source.Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(`
		INSERT INTO sources (key, user_id, platform, resource_id, resource_kind, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, src.Key(), src.UserID, src.Platform, src.ResourceID, src.ResourceKind, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add source: %w", err)
	}
	return nil
}

// RemoveSource deletes a source selection. Sync state and content rows
// go with it via ON DELETE CASCADE; committed snapshots referencing the
// source are value copies and survive.
func RemoveSource(q Querier, src source.Source) error {
	if _, err := q.Exec(`DELETE FROM sources WHERE key = ?`, src.Key()); err != nil {
		return fmt.Errorf("failed to remove source: %w", err)
	}
	return nil
}

// ListSources returns all selected sources, optionally filtered by user.
func ListSources(q Querier, userID string) ([]source.Source, error) {
	query := `SELECT user_id, platform, resource_id, resource_kind FROM sources ORDER BY key`
	args := []any{}
	if userID != "" {
		query = `SELECT user_id, platform, resource_id, resource_kind FROM sources WHERE user_id = ? ORDER BY key`
		args = append(args, userID)
	}
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []source.Source
	for rows.Next() {
		var s source.Source
		if err := rows.Scan(&s.UserID, &s.Platform, &s.ResourceID, &s.ResourceKind); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating sources: %w", err)
	}
	return out, nil
}

// Get returns the sync state for a source, or ok=false if it has never
// committed a sync.
func Get(q Querier, src source.Source) (SyncState, bool, error) {
	var st SyncState
	var synced, remoteSeen int64
	err := q.QueryRow(`
		SELECT cursor, last_synced_at, last_remote_seen_at, item_count
		FROM sync_state WHERE source_key = ?
	`, src.Key()).Scan(&st.Cursor, &synced, &remoteSeen, &st.ItemCount)
	if err == sql.ErrNoRows {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("failed to get sync state: %w", err)
	}
	st.LastSyncedAt = time.Unix(synced, 0).UTC()
	if remoteSeen > 0 {
		st.LastRemoteSeenAt = time.Unix(remoteSeen, 0).UTC()
	}
	return st, true, nil
}

// Commit writes the post-fetch state for a source. Call it on the same
// transaction as the content store batch write: if either fails, both
// roll back and the next sync re-fetches the same delta (dedup makes the
// overlap a no-op, which beats a silent gap).
func Commit(q Querier, src source.Source, cursor string, remoteSeenAt time.Time, itemCount int) error {
	var remoteSeen int64
	if !remoteSeenAt.IsZero() {
		remoteSeen = remoteSeenAt.Unix()
	}
	_, err := q.Exec(`
		INSERT INTO sync_state (source_key, cursor, last_synced_at, last_remote_seen_at, item_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			last_remote_seen_at = MAX(last_remote_seen_at, excluded.last_remote_seen_at),
			item_count = excluded.item_count
	`, src.Key(), cursor, time.Now().Unix(), remoteSeen, itemCount)
	if err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}
