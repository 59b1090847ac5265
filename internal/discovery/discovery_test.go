package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/platform"
)

// pagedAdapter serves a scripted sequence of landscape pages.
type pagedAdapter struct {
	pages   map[string]platform.LandscapePage
	errs    map[string]error
	fetched []string
}

func (p *pagedAdapter) Name() string { return "fake" }

func (p *pagedAdapter) ListLandscape(ctx context.Context, token, cursor string) (platform.LandscapePage, error) {
	p.fetched = append(p.fetched, cursor)
	if err := p.errs[cursor]; err != nil {
		return platform.LandscapePage{}, err
	}
	return p.pages[cursor], nil
}

func (p *pagedAdapter) ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error) {
	return time.Time{}, nil
}

func (p *pagedAdapter) FetchDelta(ctx context.Context, token, resourceID, cursor string) (platform.Delta, error) {
	return platform.Delta{}, nil
}

func (p *pagedAdapter) InitialCursor(now time.Time, window time.Duration) string { return "" }

func chans(ids ...string) []platform.Resource {
	var out []platform.Resource
	for _, id := range ids {
		out = append(out, platform.Resource{ID: id, Kind: "channel", Name: "#" + id})
	}
	return out
}

func newDiscoverer(a platform.Adapter) *Discoverer {
	return New(map[string]platform.Adapter{"slack": a}, platform.StaticTokenProvider("tok"), nil)
}

func TestDiscoverPaginates(t *testing.T) {
	a := &pagedAdapter{pages: map[string]platform.LandscapePage{
		"":   {Resources: chans("C1", "C2"), NextCursor: "p2"},
		"p2": {Resources: chans("C3")},
	}}

	l, err := newDiscoverer(a).Discover(context.Background(), "u1", "slack")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(l.Resources) != 3 || l.Truncated {
		t.Fatalf("unexpected landscape: %+v", l)
	}
	if len(a.fetched) != 2 {
		t.Fatalf("expected 2 pages fetched, got %v", a.fetched)
	}
}

func TestDiscoverFailsOpenMidPagination(t *testing.T) {
	a := &pagedAdapter{
		pages: map[string]platform.LandscapePage{
			"": {Resources: chans("C1", "C2"), NextCursor: "p2"},
		},
		errs: map[string]error{"p2": fmt.Errorf("connection reset")},
	}

	l, err := newDiscoverer(a).Discover(context.Background(), "u1", "slack")
	if err != nil {
		t.Fatalf("partial landscape must not error: %v", err)
	}
	if !l.Truncated || len(l.Resources) != 2 {
		t.Fatalf("expected truncated partial landscape: %+v", l)
	}
}

func TestDiscoverErrorsWhenNothingFetched(t *testing.T) {
	a := &pagedAdapter{errs: map[string]error{"": &platform.APIError{Platform: "slack", Status: 401}}}

	_, err := newDiscoverer(a).Discover(context.Background(), "u1", "slack")
	if err == nil {
		t.Fatalf("empty failed discovery must error")
	}
	if !platform.IsAuth(err) {
		t.Fatalf("error lost its classification: %v", err)
	}
}

func TestDiscoverCapTruncates(t *testing.T) {
	a := &pagedAdapter{pages: map[string]platform.LandscapePage{
		"":   {Resources: chans("C1", "C2", "C3"), NextCursor: "p2"},
		"p2": {Resources: chans("C4")},
	}}
	d := newDiscoverer(a)
	d.Cap = 2

	l, err := d.Discover(context.Background(), "u1", "slack")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !l.Truncated || len(l.Resources) != 2 {
		t.Fatalf("cap not applied: %+v", l)
	}
	if len(a.fetched) != 1 {
		t.Fatalf("cap hit must stop pagination: %v", a.fetched)
	}
}

func TestDiscoverUnknownPlatform(t *testing.T) {
	d := New(map[string]platform.Adapter{}, platform.StaticTokenProvider("tok"), nil)
	if _, err := d.Discover(context.Background(), "u1", "unknown"); err == nil {
		t.Fatalf("unknown platform must error")
	}
}
