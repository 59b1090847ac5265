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

// GmailAdapter syncs messages for one Gmail label via the Gmail REST API.
//
// Two cursor modes, mirroring what the History API allows:
//   - "h:<historyId>"  — incremental via history.list; monotonic change-id
//   - "t:<unixSec>"    — date-window fallback when no history baseline
//     exists yet (first sync) or the stored one has aged out server-side
//
// Either form may carry "!<pageToken>" while a pagination run is in
// flight so a failed run resumes from the last committed page.
type GmailAdapter struct {
	baseURL string
	client  *apiClient
	opts    GmailOptions
}

type GmailOptions struct {
	BaseURL string
	// PageSize is ids-per-page for history and message listings.
	PageSize int
	// MaxMessagesPerPage caps full message fetches per delta page.
	MaxMessagesPerPage int
}

func (o GmailOptions) withDefaults() GmailOptions {
	if o.BaseURL == "" {
		o.BaseURL = "https://gmail.googleapis.com"
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxMessagesPerPage <= 0 {
		o.MaxMessagesPerPage = 100
	}
	return o
}

func NewGmailAdapter(opts GmailOptions) *GmailAdapter {
	opts = opts.withDefaults()
	return &GmailAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/") + "/gmail/v1/users/me",
		client:  newAPIClient("gmail"),
		opts:    opts,
	}
}

func (a *GmailAdapter) Name() string { return "gmail" }

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type gmailLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type gmailListResponse struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type gmailHistoryEntry struct {
	ID            string `json:"id"`
	MessagesAdded []struct {
		Message gmailMessageRef `json:"message"`
	} `json:"messagesAdded"`
}

type gmailHistoryResponse struct {
	History       []gmailHistoryEntry `json:"history"`
	HistoryID     string              `json:"historyId"`
	NextPageToken string              `json:"nextPageToken"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailMessage struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // unix millis as string
	Payload      struct {
		Headers []gmailHeader `json:"headers"`
	} `json:"payload"`
}

type gmailProfileResponse struct {
	HistoryID string `json:"historyId"`
}

func (a *GmailAdapter) ListLandscape(ctx context.Context, token, pageCursor string) (LandscapePage, error) {
	// Labels come back in one page; pageCursor is unused.
	_ = pageCursor

	var resp gmailLabelsResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/labels", &resp); err != nil {
		return LandscapePage{}, err
	}

	page := LandscapePage{}
	for _, l := range resp.Labels {
		page.Resources = append(page.Resources, Resource{
			ID:   l.ID,
			Kind: "label",
			Name: l.Name,
		})
	}
	return page, nil
}

func (a *GmailAdapter) ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error) {
	q := url.Values{}
	q.Set("labelIds", resourceID)
	q.Set("maxResults", "1")

	var list gmailListResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/messages?"+q.Encode(), &list); err != nil {
		return time.Time{}, err
	}
	if len(list.Messages) == 0 {
		return time.Time{}, nil
	}

	var msg gmailMessage
	if err := a.client.getJSON(ctx, token, a.baseURL+"/messages/"+list.Messages[0].ID+"?format=minimal", &msg); err != nil {
		return time.Time{}, err
	}
	return gmailTime(msg.InternalDate), nil
}

func (a *GmailAdapter) InitialCursor(now time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%d", now.Add(-window).Unix())
}

func (a *GmailAdapter) FetchDelta(ctx context.Context, token, resourceID, cursor string) (Delta, error) {
	mode := cursor
	pageToken := ""
	if idx := strings.Index(cursor, "!"); idx >= 0 {
		mode = cursor[:idx]
		pageToken = cursor[idx+1:]
	}

	switch {
	case strings.HasPrefix(mode, "h:"):
		return a.fetchHistory(ctx, token, resourceID, mode, pageToken)
	case strings.HasPrefix(mode, "t:"):
		return a.fetchWindow(ctx, token, resourceID, mode, pageToken)
	default:
		return Delta{}, fmt.Errorf("gmail: unrecognized cursor %q", cursor)
	}
}

func (a *GmailAdapter) fetchHistory(ctx context.Context, token, resourceID, mode, pageToken string) (Delta, error) {
	q := url.Values{}
	q.Set("startHistoryId", strings.TrimPrefix(mode, "h:"))
	q.Set("labelId", resourceID)
	q.Set("historyTypes", "messageAdded")
	q.Set("maxResults", strconv.Itoa(a.opts.PageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var resp gmailHistoryResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/history?"+q.Encode(), &resp); err != nil {
		// A 404 means the stored history id has expired server-side.
		// Restart from a week-long window rather than failing the sync.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			return Delta{
				NextCursor: fmt.Sprintf("t:%d", time.Now().Add(-7*24*time.Hour).Unix()),
				HasMore:    true,
			}, nil
		}
		return Delta{}, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			id := added.Message.ID
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}

	items, err := a.fetchMessages(ctx, token, ids)
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{Items: items}
	if resp.NextPageToken != "" {
		delta.HasMore = true
		delta.NextCursor = mode + "!" + resp.NextPageToken
	} else {
		next := resp.HistoryID
		if next == "" {
			next = strings.TrimPrefix(mode, "h:")
		}
		delta.NextCursor = "h:" + next
	}
	return delta, nil
}

func (a *GmailAdapter) fetchWindow(ctx context.Context, token, resourceID, mode, pageToken string) (Delta, error) {
	since, err := strconv.ParseInt(strings.TrimPrefix(mode, "t:"), 10, 64)
	if err != nil {
		return Delta{}, fmt.Errorf("gmail: bad window cursor %q: %w", mode, err)
	}

	q := url.Values{}
	q.Set("labelIds", resourceID)
	q.Set("q", "after:"+time.Unix(since, 0).UTC().Format("2006/01/02"))
	q.Set("maxResults", strconv.Itoa(a.opts.PageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var list gmailListResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/messages?"+q.Encode(), &list); err != nil {
		return Delta{}, err
	}

	var ids []string
	for _, m := range list.Messages {
		ids = append(ids, m.ID)
	}
	items, err := a.fetchMessages(ctx, token, ids)
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{Items: items}
	if list.NextPageToken != "" {
		delta.HasMore = true
		delta.NextCursor = mode + "!" + list.NextPageToken
		return delta, nil
	}

	// Window exhausted. Grab a history baseline so future syncs are
	// incremental change-id fetches, the same handoff the History API
	// expects.
	var profile gmailProfileResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/profile", &profile); err != nil {
		return Delta{}, err
	}
	if profile.HistoryID != "" {
		delta.NextCursor = "h:" + profile.HistoryID
	} else {
		delta.NextCursor = fmt.Sprintf("t:%d", time.Now().Unix())
	}
	return delta, nil
}

func (a *GmailAdapter) fetchMessages(ctx context.Context, token string, ids []string) ([]Item, error) {
	if len(ids) > a.opts.MaxMessagesPerPage {
		ids = ids[:a.opts.MaxMessagesPerPage]
	}

	var items []Item
	for _, id := range ids {
		var msg gmailMessage
		u := a.baseURL + "/messages/" + id + "?format=metadata&metadataHeaders=Subject&metadataHeaders=From"
		if err := a.client.getJSON(ctx, token, u, &msg); err != nil {
			return nil, err
		}
		items = append(items, Item{
			ExternalID: msg.ID,
			Kind:       "email",
			Title:      gmailHeaderValue(msg.Payload.Headers, "Subject"),
			Author:     gmailHeaderValue(msg.Payload.Headers, "From"),
			Body:       msg.Snippet,
			OccurredAt: gmailTime(msg.InternalDate),
		})
	}
	return items, nil
}

func gmailHeaderValue(headers []gmailHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// gmailTime parses Gmail's internalDate (unix millis as a string).
func gmailTime(internalDate string) time.Time {
	ms, err := strconv.ParseInt(internalDate, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
