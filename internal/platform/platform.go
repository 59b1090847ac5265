// Package platform defines the capability interface every platform
// adapter implements, plus the error taxonomy shared by the engine.
//
// Cursor semantics are adapter-private. The engine carries cursors
// verbatim between FetchDelta calls and never inspects them; a timestamp,
// an opaque continuation token, and a monotonic change-id are all valid
// encodings, and several adapters piggyback a page token inside the
// cursor so that a mid-pagination failure resumes instead of restarting.
package platform

import (
	"context"
	"time"
)

// Item is one unit of synchronized content (message, email, page block,
// calendar event) as produced by an adapter, before storage.
type Item struct {
	ExternalID string
	Kind       string
	Title      string
	Author     string
	Body       string
	OccurredAt time.Time
}

// Delta is one page of changes since a cursor. NextCursor is always safe
// to commit: re-fetching from it may overlap but never skips.
type Delta struct {
	Items      []Item
	NextCursor string
	HasMore    bool
}

// Resource is one syncable unit discovered in a landscape listing.
// Metadata only; no content.
type Resource struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// LandscapePage is one page of a landscape listing.
type LandscapePage struct {
	Resources  []Resource
	NextCursor string
}

// Adapter hides one platform's pagination, rate-limit and cursor
// semantics behind a uniform fetch surface.
type Adapter interface {
	// Name returns the platform name (e.g. "slack", "gmail")
	Name() string

	// ListLandscape returns one page of syncable resources. Metadata only.
	ListLandscape(ctx context.Context, token, pageCursor string) (LandscapePage, error)

	// ProbeFreshness returns the last remote activity timestamp for a
	// resource. It must be cheap: no content is fetched.
	ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error)

	// FetchDelta returns one page of changes since cursor. An empty
	// cursor is invalid; callers use InitialCursor for first-time syncs.
	FetchDelta(ctx context.Context, token, resourceID, cursor string) (Delta, error)

	// InitialCursor encodes a fallback window ending at now as a cursor,
	// for sources with no prior sync state.
	InitialCursor(now time.Time, window time.Duration) string
}

// TokenProvider supplies a valid credential before any adapter call.
// Token issuance and refresh live outside this engine.
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID, platform string) (string, error)
}
