// Package freshness decides, from metadata alone, whether the local
// mirror is current enough to use. One cheap content-free probe per
// source, compared against the registry's last_remote_seen_at.
//
// Freshness is a quality signal, not a precondition: every failure mode
// degrades to "stale" with a specific reason code so the caller can
// render a precise message and still proceed on last-known state.
package freshness

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tetherhq/tether/internal/platform"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/source"
)

type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusSyncing Status = "syncing"
)

type Reason string

const (
	ReasonNeverSynced    Reason = "never_synced"
	ReasonRemoteNewer    Reason = "remote_newer"
	ReasonProbeTimeout   Reason = "probe_timeout"
	ReasonProbeFailed    Reason = "probe_failed"
	ReasonAuthExpired    Reason = "auth_expired"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonSyncInProgress Reason = "sync_in_progress"
)

// SourceFreshness is the verdict for one source.
type SourceFreshness struct {
	Source         source.Source `json:"source"`
	Status         Status        `json:"status"`
	Reason         Reason        `json:"reason,omitempty"`
	LastRemoteSeen time.Time     `json:"last_remote_seen,omitempty"`
	RemoteActivity time.Time     `json:"remote_activity,omitempty"`
}

// Report partitions the checked sources by status.
type Report struct {
	Fresh   []SourceFreshness `json:"fresh,omitempty"`
	Stale   []SourceFreshness `json:"stale,omitempty"`
	Syncing []SourceFreshness `json:"syncing,omitempty"`
}

// StaleSources returns the sources worth a targeted sync. Auth failures
// are excluded: re-fetching cannot fix a revoked credential.
func (r Report) StaleSources() []source.Source {
	var out []source.Source
	for _, sf := range r.Stale {
		if sf.Reason == ReasonAuthExpired {
			continue
		}
		out = append(out, sf.Source)
	}
	return out
}

type Checker struct {
	DB       *sql.DB
	Adapters map[string]platform.Adapter
	Tokens   platform.TokenProvider
	// ProbeTimeout bounds each remote probe; a timeout is treated
	// conservatively as stale.
	ProbeTimeout time.Duration
	// InFlight reports whether a source is currently being fetched.
	// The checker never blocks on the sync guard; it reports "syncing".
	InFlight func(key string) bool
	Logger   *zap.Logger
}

func NewChecker(db *sql.DB, adapters map[string]platform.Adapter, tokens platform.TokenProvider, inFlight func(string) bool, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		DB:           db,
		Adapters:     adapters,
		Tokens:       tokens,
		ProbeTimeout: 3 * time.Second,
		InFlight:     inFlight,
		Logger:       logger,
	}
}

// Check probes the given sources concurrently and partitions them into
// fresh, stale, and syncing.
func (c *Checker) Check(ctx context.Context, sources []source.Source) (Report, error) {
	results := make([]SourceFreshness, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = c.checkOne(gctx, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, sf := range results {
		switch sf.Status {
		case StatusFresh:
			report.Fresh = append(report.Fresh, sf)
		case StatusSyncing:
			report.Syncing = append(report.Syncing, sf)
		default:
			report.Stale = append(report.Stale, sf)
		}
	}
	return report, nil
}

func (c *Checker) checkOne(ctx context.Context, src source.Source) SourceFreshness {
	sf := SourceFreshness{Source: src}

	if c.InFlight != nil && c.InFlight(src.Key()) {
		sf.Status = StatusSyncing
		sf.Reason = ReasonSyncInProgress
		return sf
	}

	st, ok, err := registry.Get(c.DB, src)
	if err != nil {
		// A failed state read is not "never synced"; report it as a
		// failed check so the caller doesn't schedule a full re-sync.
		c.Logger.Warn("failed to read sync state", zap.String("source", src.Key()), zap.Error(err))
		sf.Status = StatusStale
		sf.Reason = ReasonProbeFailed
		return sf
	}
	if !ok {
		// A source with no prior state is always stale.
		sf.Status = StatusStale
		sf.Reason = ReasonNeverSynced
		return sf
	}
	sf.LastRemoteSeen = st.LastRemoteSeenAt

	adapter, found := c.Adapters[src.Platform]
	if !found {
		sf.Status = StatusStale
		sf.Reason = ReasonProbeFailed
		return sf
	}

	token, err := c.Tokens.GetValidToken(ctx, src.UserID, src.Platform)
	if err != nil {
		sf.Status = StatusStale
		sf.Reason = ReasonAuthExpired
		return sf
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
	defer cancel()

	remote, err := adapter.ProbeFreshness(probeCtx, token, src.ResourceID)
	if err != nil {
		switch {
		case platform.IsAuth(err):
			sf.Reason = ReasonAuthExpired
		case errors.Is(err, platform.ErrRateLimited):
			sf.Reason = ReasonRateLimited
		case errors.Is(err, context.DeadlineExceeded):
			sf.Reason = ReasonProbeTimeout
		default:
			sf.Reason = ReasonProbeFailed
		}
		// Conservative: an unanswered probe never reports fresh.
		sf.Status = StatusStale
		c.Logger.Debug("probe failed", zap.String("source", src.Key()), zap.Error(err))
		return sf
	}
	sf.RemoteActivity = remote

	if remote.After(st.LastRemoteSeenAt) {
		sf.Status = StatusStale
		sf.Reason = ReasonRemoteNewer
		return sf
	}
	sf.Status = StatusFresh
	return sf
}
