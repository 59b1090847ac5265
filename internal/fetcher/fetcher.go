// Package fetcher drives one platform adapter through an incremental
// sync: bounded fetch from the last cursor, noise filtering (adapter
// side), bounded expansion (adapter side), dedup by content hash, and an
// atomic per-page commit of content plus sync state.
//
// The per-page commit is the recovery story: a mid-pagination failure
// leaves everything fetched so far committed, with the cursor at the
// last processed page, so the next run resumes instead of restarting.
package fetcher

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tetherhq/tether/internal/platform"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/source"
	"github.com/tetherhq/tether/internal/store"
)

// Policy supplies the per-platform knobs the engine decides: retention
// and the fallback window for first-time syncs.
type Policy struct {
	TTL           func(platform string) time.Duration
	InitialWindow func(platform string) time.Duration
}

type Options struct {
	// MaxItems is the safety cap on items processed per sync run.
	MaxItems int
	// MaxPages bounds pagination independent of item counts.
	MaxPages int
	// MaxAttempts caps transient retries per page fetch.
	MaxAttempts int
	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxItems <= 0 {
		o.MaxItems = 500
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	return o
}

// Result contains statistics about one sync run.
type Result struct {
	Source       source.Source `json:"source"`
	ItemsCreated int           `json:"items_created"`
	ItemsUpdated int           `json:"items_updated"`
	ItemsDropped int           `json:"items_dropped"`
	Pages        int           `json:"pages"`
	Cursor       string        `json:"cursor"`
	Partial      bool          `json:"partial"`
	Duration     time.Duration `json:"-"`
}

type Fetcher struct {
	DB       *sql.DB
	Adapters map[string]platform.Adapter
	Tokens   platform.TokenProvider
	Policy   Policy
	Opts     Options
	Logger   *zap.Logger
}

func New(db *sql.DB, adapters map[string]platform.Adapter, tokens platform.TokenProvider, policy Policy, opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		DB:       db,
		Adapters: adapters,
		Tokens:   tokens,
		Policy:   policy,
		Opts:     opts.withDefaults(),
		Logger:   logger,
	}
}

// Sync pulls the delta for one source and commits it. On error, any
// pages committed before the failure stay committed; the returned result
// reflects that progress.
func (f *Fetcher) Sync(ctx context.Context, src source.Source) (Result, error) {
	start := time.Now()
	result := Result{Source: src}

	adapter, ok := f.Adapters[src.Platform]
	if !ok {
		return result, fmt.Errorf("no adapter for platform %q", src.Platform)
	}

	token, err := f.Tokens.GetValidToken(ctx, src.UserID, src.Platform)
	if err != nil {
		return result, fmt.Errorf("token for %s: %w", src.Key(), err)
	}

	if err := registry.AddSource(f.DB, src); err != nil {
		return result, err
	}

	cursor := ""
	if st, ok, err := registry.Get(f.DB, src); err != nil {
		return result, err
	} else if ok && st.Cursor != "" {
		cursor = st.Cursor
	} else {
		cursor = adapter.InitialCursor(time.Now(), f.Policy.InitialWindow(src.Platform))
	}
	result.Cursor = cursor

	ttl := f.Policy.TTL(src.Platform)
	totalItems := 0

	for page := 0; page < f.Opts.MaxPages; page++ {
		delta, err := f.fetchPage(ctx, adapter, token, src, cursor)
		if err != nil {
			result.Partial = result.Pages > 0
			result.Duration = time.Since(start)
			return result, err
		}

		created, updated, dropped, err := f.commitPage(src, delta, ttl)
		if err != nil {
			result.Partial = result.Pages > 0
			result.Duration = time.Since(start)
			return result, err
		}

		result.Pages++
		result.ItemsCreated += created
		result.ItemsUpdated += updated
		result.ItemsDropped += dropped
		result.Cursor = delta.NextCursor
		cursor = delta.NextCursor
		totalItems += len(delta.Items)

		if !delta.HasMore {
			result.Duration = time.Since(start)
			return result, nil
		}
		if totalItems >= f.Opts.MaxItems {
			// Safety cap hit mid-pagination. Everything so far is
			// committed and the cursor points at the next page; the next
			// cycle resumes from here.
			f.Logger.Info("item cap reached, deferring remainder",
				zap.String("source", src.Key()),
				zap.Int("items", totalItems))
			result.Partial = true
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	result.Partial = true
	result.Duration = time.Since(start)
	return result, nil
}

// fetchPage fetches one delta page, retrying transient failures with
// capped exponential backoff. Auth failures are returned immediately;
// they are not part of the retry budget.
func (f *Fetcher) fetchPage(ctx context.Context, adapter platform.Adapter, token string, src source.Source, cursor string) (platform.Delta, error) {
	backoff := f.Opts.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < f.Opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return platform.Delta{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		delta, err := adapter.FetchDelta(ctx, token, src.ResourceID, cursor)
		if err == nil {
			return delta, nil
		}
		if platform.IsAuth(err) || ctx.Err() != nil {
			return platform.Delta{}, err
		}
		if !platform.IsTransient(err) {
			return platform.Delta{}, err
		}
		lastErr = err
		f.Logger.Warn("transient fetch failure, retrying",
			zap.String("source", src.Key()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return platform.Delta{}, fmt.Errorf("fetch retries exhausted for %s: %w", src.Key(), lastErr)
}

// commitPage writes one page of items and advances the sync state in a
// single transaction. If either write fails both roll back, and the next
// sync re-fetches the same delta; dedup makes the overlap a no-op.
func (f *Fetcher) commitPage(src source.Source, delta platform.Delta, ttl time.Duration) (created, updated, dropped int, err error) {
	now := time.Now()
	var remoteSeen time.Time
	var items []store.Item
	for _, it := range delta.Items {
		if it.ExternalID == "" || it.OccurredAt.IsZero() {
			// Malformed items are dropped individually; one bad item
			// never fails the batch.
			dropped++
			f.Logger.Warn("dropping malformed item",
				zap.String("source", src.Key()),
				zap.String("external_id", it.ExternalID))
			continue
		}
		if it.OccurredAt.After(remoteSeen) {
			remoteSeen = it.OccurredAt
		}
		items = append(items, store.Item{
			Source:      src,
			ExternalID:  it.ExternalID,
			ContentHash: HashContent(it),
			Kind:        it.Kind,
			Title:       it.Title,
			Author:      it.Author,
			Body:        it.Body,
			OccurredAt:  it.OccurredAt,
			ExpiresAt:   now.Add(ttl),
		})
	}

	tx, err := f.DB.Begin()
	if err != nil {
		return 0, 0, dropped, fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	created, updated, err = store.UpsertBatch(tx, items)
	if err != nil {
		return 0, 0, dropped, err
	}
	count, err := store.CountBySource(tx, src)
	if err != nil {
		return 0, 0, dropped, err
	}
	if err := registry.Commit(tx, src, delta.NextCursor, remoteSeen, count); err != nil {
		return 0, 0, dropped, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, dropped, fmt.Errorf("failed to commit page: %w", err)
	}
	return created, updated, dropped, nil
}

// HashContent computes the dedup hash for an item. Identity fields are
// excluded: two fetches of the same unchanged content must collide.
func HashContent(it platform.Item) string {
	h := sha256.New()
	h.Write([]byte(it.Kind))
	h.Write([]byte{0})
	h.Write([]byte(it.Title))
	h.Write([]byte{0})
	h.Write([]byte(it.Author))
	h.Write([]byte{0})
	h.Write([]byte(it.Body))
	return hex.EncodeToString(h.Sum(nil))
}
