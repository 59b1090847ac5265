// Package engine is the surface the generation step talks to: ensure the
// mirror is fresh, read content, record what was used. It also owns the
// TTL eviction sweeper.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/discovery"
	"github.com/tetherhq/tether/internal/fetcher"
	"github.com/tetherhq/tether/internal/freshness"
	"github.com/tetherhq/tether/internal/orchestrator"
	"github.com/tetherhq/tether/internal/platform"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/snapshot"
	"github.com/tetherhq/tether/internal/source"
	"github.com/tetherhq/tether/internal/store"
)

type Engine struct {
	DB     *sql.DB
	Logger *zap.Logger

	Fetcher      *fetcher.Fetcher
	Orchestrator *orchestrator.Orchestrator
	Checker      *freshness.Checker
	Discoverer   *discovery.Discoverer

	mu       sync.RWMutex
	cfg      *config.Config
	reloaded chan struct{}
}

func New(db *sql.DB, cfg *config.Config, adapters map[string]platform.Adapter, tokens platform.TokenProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		DB:       db,
		Logger:   logger,
		cfg:      cfg,
		reloaded: make(chan struct{}, 1),
	}

	// Policy closures read through Config so a reload takes effect on
	// the next sync, not the next process.
	policy := fetcher.Policy{
		TTL:           func(p string) time.Duration { return e.Config().TTL(p) },
		InitialWindow: func(p string) time.Duration { return e.Config().InitialWindow(p) },
	}
	e.Fetcher = fetcher.New(db, adapters, tokens, policy, fetcher.Options{}, logger)
	e.Orchestrator = orchestrator.New(e.Fetcher, orchestrator.Options{
		PoolSize: func(p string) int { return e.Config().Platform(p).PoolSize },
	}, logger)
	e.Checker = freshness.NewChecker(db, adapters, tokens, e.Orchestrator.InFlight, logger)
	e.Discoverer = discovery.New(adapters, tokens, logger)
	return e
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the active configuration and nudges the sweeper to
// pick up a changed interval.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	select {
	case e.reloaded <- struct{}{}:
	default:
	}
}

// FreshnessReport is what EnsureFresh hands back: the check verdicts,
// plus the outcome of any targeted sync it ran for the stale sources.
type FreshnessReport struct {
	freshness.Report
	Synced *orchestrator.BatchResult `json:"synced,omitempty"`
}

// EnsureFresh checks the given sources and targeted-syncs the stale
// ones. It only errors when every source failed; stale-but-present data
// is always usable, so partial failure is reported, not raised.
func (e *Engine) EnsureFresh(ctx context.Context, sources []source.Source) (FreshnessReport, error) {
	report, err := e.Checker.Check(ctx, sources)
	if err != nil {
		return FreshnessReport{}, err
	}
	out := FreshnessReport{Report: report}

	stale := report.StaleSources()
	if len(stale) == 0 {
		return out, nil
	}

	br := e.Orchestrator.Sync(ctx, stale)
	out.Synced = &br

	if len(br.Succeeded) == 0 && len(report.Fresh) == 0 && len(report.Syncing) == 0 && len(br.Failed) == len(sources) {
		return out, fmt.Errorf("all %d sources failed to sync", len(br.Failed))
	}
	return out, nil
}

// GetContent returns stored items for the given sources, ordered by
// occurrence time.
func (e *Engine) GetContent(ctx context.Context, sources []source.Source, limit int) ([]store.Item, error) {
	return store.Query(e.DB, sources, time.Time{}, limit)
}

// RecordSnapshot writes the immutable record of which source states fed
// a generation. Called by the generation step after drafting.
func (e *Engine) RecordSnapshot(ctx context.Context, generationID string, sources []source.Source) (snapshot.Snapshot, error) {
	return snapshot.Record(e.DB, generationID, sources)
}

// AddSource registers a resource selection for syncing.
func (e *Engine) AddSource(src source.Source) error {
	return registry.AddSource(e.DB, src)
}

// RemoveSource drops a selection along with its sync state and content.
// Re-adding later starts over with a fresh initial window.
func (e *Engine) RemoveSource(src source.Source) error {
	return registry.RemoveSource(e.DB, src)
}

// ListSources returns the selected sources, optionally for one user.
func (e *Engine) ListSources(userID string) ([]source.Source, error) {
	return registry.ListSources(e.DB, userID)
}

// EvictExpired runs one TTL eviction sweep.
func (e *Engine) EvictExpired() (int, error) {
	n, err := store.EvictExpired(e.DB, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Logger.Info("evicted expired content", zap.Int("items", n))
	}
	return n, nil
}

// RunSweeper evicts expired content on a fixed interval until ctx is
// cancelled. Eviction is deliberately independent of sync cycles so
// read latency never pays for it.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	pick := func() time.Duration {
		if interval > 0 {
			return interval
		}
		return e.Config().SweepInterval()
	}

	current := pick()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reloaded:
			if next := pick(); next != current {
				current = next
				ticker.Reset(current)
				e.Logger.Info("sweep interval updated", zap.Duration("interval", current))
			}
		case <-ticker.C:
			if _, err := e.EvictExpired(); err != nil {
				e.Logger.Warn("eviction sweep failed", zap.Error(err))
			}
		}
	}
}
