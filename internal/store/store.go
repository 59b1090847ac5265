// Package store is the local content mirror: synchronized items keyed by
// (source, external_id), with a content hash for deduplication and a TTL
// for eviction.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tetherhq/tether/internal/source"
)

// Item is one stored content row.
type Item struct {
	Source      source.Source `json:"source"`
	ExternalID  string        `json:"external_id"`
	ContentHash string        `json:"content_hash"`
	Kind        string        `json:"kind"`
	Title       string        `json:"title,omitempty"`
	Author      string        `json:"author,omitempty"`
	Body        string        `json:"body"`
	OccurredAt  time.Time     `json:"occurred_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Querier is the subset of *sql.DB / *sql.Tx the store needs.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// UpsertBatch writes a batch of items. An existing row with the same
// content hash is left untouched (idempotent re-fetch); a changed hash
// updates the row in place, keeping its identity. Returns how many rows
// were created vs updated.
func UpsertBatch(q Querier, items []Item) (created, updated int, err error) {
	now := time.Now().Unix()
	for _, item := range items {
		key := item.Source.Key()

		var existingHash string
		err := q.QueryRow(`
			SELECT content_hash FROM content_items WHERE source_key = ? AND external_id = ?
		`, key, item.ExternalID).Scan(&existingHash)
		switch {
		case err == sql.ErrNoRows:
			_, err = q.Exec(`
				INSERT INTO content_items
					(source_key, external_id, content_hash, kind, title, author, body, occurred_at, expires_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, key, item.ExternalID, item.ContentHash, item.Kind, item.Title, item.Author,
				item.Body, item.OccurredAt.Unix(), item.ExpiresAt.Unix(), now, now)
			if err != nil {
				return created, updated, fmt.Errorf("failed to insert content item: %w", err)
			}
			created++
		case err != nil:
			return created, updated, fmt.Errorf("failed to check content item: %w", err)
		case existingHash == item.ContentHash:
			// Identical content; re-fetch is a no-op.
		default:
			_, err = q.Exec(`
				UPDATE content_items
				SET content_hash = ?, kind = ?, title = ?, author = ?, body = ?,
					occurred_at = ?, expires_at = ?, updated_at = ?
				WHERE source_key = ? AND external_id = ?
			`, item.ContentHash, item.Kind, item.Title, item.Author, item.Body,
				item.OccurredAt.Unix(), item.ExpiresAt.Unix(), now, key, item.ExternalID)
			if err != nil {
				return created, updated, fmt.Errorf("failed to update content item: %w", err)
			}
			updated++
		}
	}
	return created, updated, nil
}

// Query returns items for the given sources ordered by occurred_at
// ascending, optionally restricted to items after since, capped at limit.
func Query(q Querier, sources []source.Source, since time.Time, limit int) ([]Item, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(sources)), ",")
	args := make([]any, 0, len(sources)+2)
	for _, s := range sources {
		args = append(args, s.Key())
	}

	query := fmt.Sprintf(`
		SELECT source_key, external_id, content_hash, kind, title, author, body, occurred_at, expires_at
		FROM content_items
		WHERE source_key IN (%s)
	`, placeholders)
	if !since.IsZero() {
		query += ` AND occurred_at > ?`
		args = append(args, since.Unix())
	}
	query += ` ORDER BY occurred_at ASC, external_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query content items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var key string
		var occurred, expires int64
		if err := rows.Scan(&key, &item.ExternalID, &item.ContentHash, &item.Kind,
			&item.Title, &item.Author, &item.Body, &occurred, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		src, err := source.ParseKey(key)
		if err != nil {
			return nil, err
		}
		item.Source = src
		item.OccurredAt = time.Unix(occurred, 0).UTC()
		item.ExpiresAt = time.Unix(expires, 0).UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating content items: %w", err)
	}
	return out, nil
}

// CountBySource returns the number of stored items for a source.
func CountBySource(q Querier, src source.Source) (int, error) {
	var n int
	err := q.QueryRow(`SELECT COUNT(*) FROM content_items WHERE source_key = ?`, src.Key()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count content items: %w", err)
	}
	return n, nil
}

// EvictExpired removes items whose expires_at has passed. Runs as an
// independent sweep over the expires_at index, never inline on reads.
func EvictExpired(q Querier, now time.Time) (int, error) {
	res, err := q.Exec(`DELETE FROM content_items WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to evict expired items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count evicted items: %w", err)
	}
	return int(n), nil
}
