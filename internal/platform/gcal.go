package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GCalAdapter syncs events for one calendar via the Google Calendar API.
//
// Cursor encoding follows the API's own lifecycle:
//   - "sync:<token>"            — incremental via an opaque sync token
//   - "t:<unixSec>"             — timeMin window (first sync, or after
//     the server invalidates a sync token with 410 Gone)
//   - "page:<tok>!<base>"       — mid-pagination resume point
//
// A sync token is only issued on the final page of a pass, so the page
// cursor keeps the base mode alive until the pass completes.
type GCalAdapter struct {
	baseURL string
	client  *apiClient
	opts    GCalOptions
}

type GCalOptions struct {
	BaseURL  string
	PageSize int
}

func (o GCalOptions) withDefaults() GCalOptions {
	if o.BaseURL == "" {
		o.BaseURL = "https://www.googleapis.com"
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	return o
}

func NewGCalAdapter(opts GCalOptions) *GCalAdapter {
	opts = opts.withDefaults()
	return &GCalAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/") + "/calendar/v3",
		client:  newAPIClient("gcal"),
		opts:    opts,
	}
}

func (a *GCalAdapter) Name() string { return "gcal" }

type gcalCalendar struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Primary bool   `json:"primary"`
}

type gcalCalendarListResponse struct {
	Items         []gcalCalendar `json:"items"`
	NextPageToken string         `json:"nextPageToken"`
}

type gcalEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

type gcalEvent struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Summary     string        `json:"summary"`
	Description string        `json:"description"`
	Updated     string        `json:"updated"`
	Start       gcalEventTime `json:"start"`
	Organizer   struct {
		Email string `json:"email"`
	} `json:"organizer"`
}

type gcalEventsResponse struct {
	Updated       string      `json:"updated"`
	Items         []gcalEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

func (a *GCalAdapter) ListLandscape(ctx context.Context, token, pageCursor string) (LandscapePage, error) {
	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(a.opts.PageSize))
	if pageCursor != "" {
		q.Set("pageToken", pageCursor)
	}

	var resp gcalCalendarListResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/users/me/calendarList?"+q.Encode(), &resp); err != nil {
		return LandscapePage{}, err
	}

	page := LandscapePage{NextCursor: resp.NextPageToken}
	for _, cal := range resp.Items {
		name := cal.Summary
		if cal.Primary {
			name = "primary"
		}
		page.Resources = append(page.Resources, Resource{
			ID:   cal.ID,
			Kind: "calendar",
			Name: name,
		})
	}
	return page, nil
}

func (a *GCalAdapter) ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error) {
	q := url.Values{}
	q.Set("maxResults", "1")
	q.Set("orderBy", "updated")

	var resp gcalEventsResponse
	u := a.baseURL + "/calendars/" + url.PathEscape(resourceID) + "/events?" + q.Encode()
	if err := a.client.getJSON(ctx, token, u, &resp); err != nil {
		return time.Time{}, err
	}
	// The list-level updated stamp covers deletes too.
	return gcalTime(resp.Updated), nil
}

func (a *GCalAdapter) InitialCursor(now time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%d", now.Add(-window).Unix())
}

func (a *GCalAdapter) FetchDelta(ctx context.Context, token, resourceID, cursor string) (Delta, error) {
	base := cursor
	pageToken := ""
	if strings.HasPrefix(cursor, "page:") {
		rest := strings.TrimPrefix(cursor, "page:")
		idx := strings.Index(rest, "!")
		if idx < 0 {
			return Delta{}, fmt.Errorf("gcal: bad page cursor %q", cursor)
		}
		pageToken = rest[:idx]
		base = rest[idx+1:]
	}

	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(a.opts.PageSize))
	switch {
	case strings.HasPrefix(base, "sync:"):
		q.Set("syncToken", strings.TrimPrefix(base, "sync:"))
	case strings.HasPrefix(base, "t:"):
		since, err := strconv.ParseInt(strings.TrimPrefix(base, "t:"), 10, 64)
		if err != nil {
			return Delta{}, fmt.Errorf("gcal: bad window cursor %q: %w", cursor, err)
		}
		q.Set("timeMin", time.Unix(since, 0).UTC().Format(time.RFC3339))
		q.Set("singleEvents", "true")
	default:
		return Delta{}, fmt.Errorf("gcal: unrecognized cursor %q", cursor)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var resp gcalEventsResponse
	u := a.baseURL + "/calendars/" + url.PathEscape(resourceID) + "/events?" + q.Encode()
	if err := a.client.getJSON(ctx, token, u, &resp); err != nil {
		// 410 Gone: the sync token expired. Start a fresh window pass.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 410 {
			return Delta{
				NextCursor: fmt.Sprintf("t:%d", time.Now().Add(-30*24*time.Hour).Unix()),
				HasMore:    true,
			}, nil
		}
		return Delta{}, err
	}

	delta := Delta{}
	for _, ev := range resp.Items {
		// Cancelled tombstones carry no content.
		if ev.Status == "cancelled" {
			continue
		}
		occurred := gcalStart(ev)
		delta.Items = append(delta.Items, Item{
			ExternalID: ev.ID,
			Kind:       "event",
			Title:      ev.Summary,
			Author:     ev.Organizer.Email,
			Body:       ev.Description,
			OccurredAt: occurred,
		})
	}

	switch {
	case resp.NextPageToken != "":
		delta.HasMore = true
		delta.NextCursor = "page:" + resp.NextPageToken + "!" + base
	case resp.NextSyncToken != "":
		delta.NextCursor = "sync:" + resp.NextSyncToken
	default:
		// No token issued (window listing with orderBy constraints);
		// fall back to a window anchored at now.
		delta.NextCursor = fmt.Sprintf("t:%d", time.Now().Unix())
	}
	return delta, nil
}

func gcalStart(ev gcalEvent) time.Time {
	if ev.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			return t.UTC()
		}
	}
	if ev.Start.Date != "" {
		if t, err := time.Parse("2006-01-02", ev.Start.Date); err == nil {
			return t.UTC()
		}
	}
	return gcalTime(ev.Updated)
}

func gcalTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
