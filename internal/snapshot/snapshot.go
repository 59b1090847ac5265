// Package snapshot records, per generation event, the exact source
// states that fed it: cursor, item count, and sync times, copied by
// value so later state advances never alter the record.
package snapshot

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/source"
)

// SourceState is the per-source value copy inside a snapshot.
type SourceState struct {
	SourceKey        string    `json:"source_key"`
	Cursor           string    `json:"cursor"`
	ItemCount        int       `json:"item_count"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
	LastRemoteSeenAt time.Time `json:"last_remote_seen_at"`
}

// Snapshot is the immutable record for one generation event. There is
// no update or delete path for a committed snapshot.
type Snapshot struct {
	GenerationID string        `json:"generation_id"`
	RecordedAt   time.Time     `json:"recorded_at"`
	Sources      []SourceState `json:"sources"`
}

// Record reads the current sync state of each source and writes the
// value copies in one transaction. Recording the same generation twice
// is rejected; snapshots are write-once.
func Record(db *sql.DB, generationID string, sources []source.Source) (Snapshot, error) {
	if generationID == "" {
		return Snapshot{}, fmt.Errorf("generation id is required")
	}

	now := time.Now().UTC()
	snap := Snapshot{GenerationID: generationID, RecordedAt: now}

	tx, err := db.Begin()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM generation_snapshots WHERE generation_id = ?`, generationID).Scan(&exists); err != nil {
		return Snapshot{}, fmt.Errorf("failed to check snapshot: %w", err)
	}
	if exists > 0 {
		return Snapshot{}, fmt.Errorf("snapshot for generation %s already recorded", generationID)
	}

	for _, src := range sources {
		st, ok, err := registry.Get(tx, src)
		if err != nil {
			return Snapshot{}, err
		}
		if !ok {
			// Never-synced sources are recorded with empty state; the
			// audit trail must show what the generation actually saw.
			st = registry.SyncState{}
		}

		state := SourceState{
			SourceKey:        src.Key(),
			Cursor:           st.Cursor,
			ItemCount:        st.ItemCount,
			LastSyncedAt:     st.LastSyncedAt,
			LastRemoteSeenAt: st.LastRemoteSeenAt,
		}
		snap.Sources = append(snap.Sources, state)

		var synced, remoteSeen int64
		if !st.LastSyncedAt.IsZero() {
			synced = st.LastSyncedAt.Unix()
		}
		if !st.LastRemoteSeenAt.IsZero() {
			remoteSeen = st.LastRemoteSeenAt.Unix()
		}
		_, err = tx.Exec(`
			INSERT INTO generation_snapshots
				(generation_id, source_key, cursor, item_count, last_synced_at, last_remote_seen_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, generationID, src.Key(), st.Cursor, st.ItemCount, synced, remoteSeen, now.Unix())
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to record snapshot source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return snap, nil
}

// Get returns a previously recorded snapshot.
func Get(db *sql.DB, generationID string) (Snapshot, bool, error) {
	rows, err := db.Query(`
		SELECT source_key, cursor, item_count, last_synced_at, last_remote_seen_at, recorded_at
		FROM generation_snapshots
		WHERE generation_id = ?
		ORDER BY source_key
	`, generationID)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{GenerationID: generationID}
	for rows.Next() {
		var st SourceState
		var synced, remoteSeen, recorded int64
		if err := rows.Scan(&st.SourceKey, &st.Cursor, &st.ItemCount, &synced, &remoteSeen, &recorded); err != nil {
			return Snapshot{}, false, fmt.Errorf("failed to scan snapshot source: %w", err)
		}
		if synced > 0 {
			st.LastSyncedAt = time.Unix(synced, 0).UTC()
		}
		if remoteSeen > 0 {
			st.LastRemoteSeenAt = time.Unix(remoteSeen, 0).UTC()
		}
		snap.RecordedAt = time.Unix(recorded, 0).UTC()
		snap.Sources = append(snap.Sources, st)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed iterating snapshot sources: %w", err)
	}
	if len(snap.Sources) == 0 {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}
