// Package orchestrator runs targeted syncs: one delta fetch per stale
// source, bounded per (user, platform) so one platform's rate limit
// never throttles another, with duplicate concurrent triggers collapsed
// into a single in-flight operation.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tetherhq/tether/internal/fetcher"
	"github.com/tetherhq/tether/internal/platform"
	"github.com/tetherhq/tether/internal/source"
)

// FailureReason classifies why a source's sync failed, so the caller can
// render a specific message rather than a generic one.
type FailureReason string

const (
	ReasonAuthExpired FailureReason = "auth_expired"
	ReasonRateLimited FailureReason = "rate_limited"
	ReasonCancelled   FailureReason = "cancelled"
	ReasonUnavailable FailureReason = "unavailable"
)

// SourceFailure is one failed source in a batch. Partial progress made
// before the failure is committed and reflected in Result.
type SourceFailure struct {
	Source source.Source  `json:"source"`
	Reason FailureReason  `json:"reason"`
	Error  string         `json:"error"`
	Result fetcher.Result `json:"result"`
}

// BatchResult is an explicit success/failure pair. Partial success is a
// valid, reportable outcome the caller may proceed on.
type BatchResult struct {
	Succeeded []fetcher.Result `json:"succeeded,omitempty"`
	Failed    []SourceFailure  `json:"failed,omitempty"`
}

type Options struct {
	// DefaultPoolSize bounds concurrent syncs per (user, platform).
	DefaultPoolSize int
	// PoolSize overrides the bound per platform.
	PoolSize func(platform string) int
	// Budget is the wall-clock limit for one batch; a sync exceeding it
	// is cancelled and reports partial completion.
	Budget time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultPoolSize <= 0 {
		o.DefaultPoolSize = 5
	}
	if o.Budget <= 0 {
		o.Budget = 5 * time.Minute
	}
	return o
}

type Orchestrator struct {
	Fetcher *fetcher.Fetcher
	DB      *sql.DB
	Opts    Options
	Logger  *zap.Logger

	sf singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	sems     map[string]chan struct{}
}

func New(f *fetcher.Fetcher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		Fetcher:  f,
		DB:       f.DB,
		Opts:     opts.withDefaults(),
		Logger:   logger,
		inflight: make(map[string]struct{}),
		sems:     make(map[string]chan struct{}),
	}
}

// InFlight reports whether a source is currently being fetched. The
// freshness checker uses this to report "sync in progress" without
// blocking on the guard.
func (o *Orchestrator) InFlight(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[key]
	return ok
}

// Sync fetches the given sources. Each source's outcome is independent:
// one expired token fails that source alone, and everything committed
// before a failure stays committed.
func (o *Orchestrator) Sync(ctx context.Context, sources []source.Source) BatchResult {
	if o.Opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Opts.Budget)
		defer cancel()
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		br BatchResult
	)
	for _, src := range sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.SyncOne(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				br.Failed = append(br.Failed, SourceFailure{
					Source: src,
					Reason: classify(err),
					Error:  err.Error(),
					Result: res,
				})
				return
			}
			br.Succeeded = append(br.Succeeded, res)
		}()
	}
	wg.Wait()
	return br
}

// SyncOne fetches a single source under the single-flight guard and the
// per-(user, platform) pool. Concurrent triggers for the same source
// collapse: the second caller awaits and receives the first's result.
func (o *Orchestrator) SyncOne(ctx context.Context, src source.Source) (fetcher.Result, error) {
	key := src.Key()

	type outcome struct {
		res fetcher.Result
		err error
	}
	v, _, _ := o.sf.Do(key, func() (interface{}, error) {
		o.setInFlight(key, true)
		defer o.setInFlight(key, false)

		sem := o.semFor(src.UserID, src.Platform)
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return outcome{err: ctx.Err()}, nil
		}

		res, err := o.Fetcher.Sync(ctx, src)
		o.recordOutcome(src, res, err)
		return outcome{res: res, err: err}, nil
	})

	out := v.(outcome)
	if out.err != nil {
		o.Logger.Warn("sync failed",
			zap.String("source", key),
			zap.String("reason", string(classify(out.err))),
			zap.Error(out.err))
	}
	return out.res, out.err
}

func (o *Orchestrator) setInFlight(key string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v {
		o.inflight[key] = struct{}{}
	} else {
		delete(o.inflight, key)
	}
}

// semFor returns the concurrency pool for one (user, platform). Pools
// are never shared across platforms: rate limits are platform-scoped.
func (o *Orchestrator) semFor(userID, platformName string) chan struct{} {
	size := o.Opts.DefaultPoolSize
	if o.Opts.PoolSize != nil {
		if n := o.Opts.PoolSize(platformName); n > 0 {
			size = n
		}
	}

	poolKey := userID + "/" + platformName
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.sems[poolKey]
	if !ok {
		sem = make(chan struct{}, size)
		o.sems[poolKey] = sem
	}
	return sem
}

// recordOutcome is advisory bookkeeping for the status command.
// Best-effort; failures shouldn't kill the sync.
func (o *Orchestrator) recordOutcome(src source.Source, res fetcher.Result, err error) {
	status := "succeeded"
	detail := ""
	if err != nil {
		status = string(classify(err))
		detail = err.Error()
	} else if res.Partial {
		status = "partial"
	}
	_, dbErr := o.DB.Exec(`
		INSERT INTO sync_outcomes (source_key, status, detail, items, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			items = excluded.items,
			finished_at = excluded.finished_at
	`, src.Key(), status, detail, res.ItemsCreated+res.ItemsUpdated, time.Now().Unix())
	if dbErr != nil {
		o.Logger.Debug("failed to record sync outcome", zap.Error(dbErr))
	}
}

func classify(err error) FailureReason {
	switch {
	case platform.IsAuth(err):
		return ReasonAuthExpired
	case errors.Is(err, platform.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonUnavailable
	}
}

// Outcome is one row of advisory sync bookkeeping.
type Outcome struct {
	SourceKey  string    `json:"source_key"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Items      int       `json:"items"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListOutcomes returns the last recorded outcome per source.
func ListOutcomes(db *sql.DB) ([]Outcome, error) {
	rows, err := db.Query(`
		SELECT source_key, status, COALESCE(detail, ''), items, finished_at
		FROM sync_outcomes ORDER BY source_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var oc Outcome
		var ts int64
		if err := rows.Scan(&oc.SourceKey, &oc.Status, &oc.Detail, &oc.Items, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sync outcome: %w", err)
		}
		oc.FinishedAt = time.Unix(ts, 0).UTC()
		out = append(out, oc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating sync outcomes: %w", err)
	}
	return out, nil
}
