// Package discovery enumerates everything a user could sync on a
// platform. Metadata only: names, kinds, activity hints, never content.
package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tetherhq/tether/internal/platform"
)

// Landscape is the discovered resource listing. Truncated means the
// listing stopped early (cap reached or a partial-page failure); what is
// present is still valid. Discovery is advisory, not transactional.
type Landscape struct {
	Platform  string              `json:"platform"`
	Resources []platform.Resource `json:"resources"`
	Truncated bool                `json:"truncated,omitempty"`
}

type Discoverer struct {
	Adapters map[string]platform.Adapter
	Tokens   platform.TokenProvider
	// Cap bounds how many resources one discovery returns.
	Cap    int
	Logger *zap.Logger
}

func New(adapters map[string]platform.Adapter, tokens platform.TokenProvider, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		Adapters: adapters,
		Tokens:   tokens,
		Cap:      1000,
		Logger:   logger,
	}
}

// Discover lists syncable resources for one user on one platform. It
// fails open: a mid-pagination error returns the pages already fetched
// with Truncated=true instead of erroring, unless nothing at all was
// fetched.
func (d *Discoverer) Discover(ctx context.Context, userID, platformName string) (Landscape, error) {
	landscape := Landscape{Platform: platformName}

	adapter, ok := d.Adapters[platformName]
	if !ok {
		return landscape, &platform.APIError{Platform: platformName, Status: 404, Message: "unknown platform"}
	}

	token, err := d.Tokens.GetValidToken(ctx, userID, platformName)
	if err != nil {
		return landscape, err
	}

	start := time.Now()
	cursor := ""
	for {
		page, err := adapter.ListLandscape(ctx, token, cursor)
		if err != nil {
			if len(landscape.Resources) == 0 {
				return landscape, err
			}
			d.Logger.Warn("discovery page failed, returning partial landscape",
				zap.String("platform", platformName),
				zap.Int("resources", len(landscape.Resources)),
				zap.Error(err))
			landscape.Truncated = true
			return landscape, nil
		}

		landscape.Resources = append(landscape.Resources, page.Resources...)
		if len(landscape.Resources) >= d.Cap {
			landscape.Resources = landscape.Resources[:d.Cap]
			landscape.Truncated = true
			break
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	d.Logger.Debug("landscape discovered",
		zap.String("platform", platformName),
		zap.Int("resources", len(landscape.Resources)),
		zap.Duration("took", time.Since(start)))
	return landscape, nil
}
