package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SlackAdapter syncs channel messages via the Slack Web API.
//
// Cursor encoding: "<ts>" where ts is the highest message timestamp
// seen by the last completed history run (Slack's "1712345678.000100"
// form). While a run is in flight the cursor keeps the run's oldest
// bound and carries the page token too: "<oldest>!<next_cursor>", so a
// mid-pagination failure resumes from the exact page with the range
// unchanged.
type SlackAdapter struct {
	baseURL string
	client  *apiClient
	opts    SlackOptions
}

type SlackOptions struct {
	// BaseURL overrides the API endpoint (used in tests).
	BaseURL string
	// PageSize is the history page size.
	PageSize int
	// MaxThreadExpansions caps how many threads are expanded per page.
	MaxThreadExpansions int
	// MaxRepliesPerThread caps replies fetched per expanded thread.
	MaxRepliesPerThread int
}

func (o SlackOptions) withDefaults() SlackOptions {
	if o.BaseURL == "" {
		o.BaseURL = "https://slack.com/api"
	}
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.MaxThreadExpansions <= 0 {
		o.MaxThreadExpansions = 20
	}
	if o.MaxRepliesPerThread <= 0 {
		o.MaxRepliesPerThread = 50
	}
	return o
}

func NewSlackAdapter(opts SlackOptions) *SlackAdapter {
	opts = opts.withDefaults()
	return &SlackAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  newAPIClient("slack"),
		opts:    opts,
	}
}

func (a *SlackAdapter) Name() string { return "slack" }

type slackChannel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"is_archived"`
}

type slackResponseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

type slackListResponse struct {
	OK        bool                  `json:"ok"`
	Error     string                `json:"error"`
	Channels  []slackChannel        `json:"channels"`
	Metadata  slackResponseMetadata `json:"response_metadata"`
}

type slackMessage struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	User       string `json:"user"`
	Text       string `json:"text"`
	TS         string `json:"ts"`
	ThreadTS   string `json:"thread_ts"`
	ReplyCount int    `json:"reply_count"`
}

type slackHistoryResponse struct {
	OK       bool                  `json:"ok"`
	Error    string                `json:"error"`
	Messages []slackMessage        `json:"messages"`
	HasMore  bool                  `json:"has_more"`
	Metadata slackResponseMetadata `json:"response_metadata"`
}

// Slack reports most failures as ok=false with HTTP 200.
func slackError(apiError string) error {
	switch apiError {
	case "":
		return nil
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return fmt.Errorf("slack: %s: %w", apiError, ErrAuth)
	case "ratelimited", "rate_limited":
		return fmt.Errorf("slack: %w", ErrRateLimited)
	default:
		return fmt.Errorf("slack API error: %s", apiError)
	}
}

func (a *SlackAdapter) ListLandscape(ctx context.Context, token, pageCursor string) (LandscapePage, error) {
	q := url.Values{}
	q.Set("types", "public_channel,private_channel")
	q.Set("exclude_archived", "true")
	q.Set("limit", strconv.Itoa(a.opts.PageSize))
	if pageCursor != "" {
		q.Set("cursor", pageCursor)
	}

	var resp slackListResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/conversations.list?"+q.Encode(), &resp); err != nil {
		return LandscapePage{}, err
	}
	if !resp.OK {
		return LandscapePage{}, slackError(resp.Error)
	}

	page := LandscapePage{NextCursor: resp.Metadata.NextCursor}
	for _, ch := range resp.Channels {
		if ch.IsArchived {
			continue
		}
		page.Resources = append(page.Resources, Resource{
			ID:   ch.ID,
			Kind: "channel",
			Name: ch.Name,
		})
	}
	return page, nil
}

func (a *SlackAdapter) ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error) {
	q := url.Values{}
	q.Set("channel", resourceID)
	q.Set("limit", "1")

	var resp slackHistoryResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/conversations.history?"+q.Encode(), &resp); err != nil {
		return time.Time{}, err
	}
	if !resp.OK {
		return time.Time{}, slackError(resp.Error)
	}
	if len(resp.Messages) == 0 {
		return time.Time{}, nil
	}
	return slackTime(resp.Messages[0].TS), nil
}

func (a *SlackAdapter) InitialCursor(now time.Time, window time.Duration) string {
	return fmt.Sprintf("%d.000000", now.Add(-window).Unix())
}

func (a *SlackAdapter) FetchDelta(ctx context.Context, token, resourceID, cursor string) (Delta, error) {
	oldest := cursor
	pageToken := ""
	if idx := strings.Index(cursor, "!"); idx >= 0 {
		oldest = cursor[:idx]
		pageToken = cursor[idx+1:]
	}

	q := url.Values{}
	q.Set("channel", resourceID)
	q.Set("oldest", oldest)
	q.Set("inclusive", "false")
	q.Set("limit", strconv.Itoa(a.opts.PageSize))
	if pageToken != "" {
		q.Set("cursor", pageToken)
	}

	var resp slackHistoryResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/conversations.history?"+q.Encode(), &resp); err != nil {
		return Delta{}, err
	}
	if !resp.OK {
		return Delta{}, slackError(resp.Error)
	}

	delta := Delta{}
	maxTS := oldest
	expansions := 0
	for _, msg := range resp.Messages {
		if slackTSLess(maxTS, msg.TS) {
			maxTS = msg.TS
		}
		if isSlackNoise(msg) {
			continue
		}
		delta.Items = append(delta.Items, slackItem(msg))

		// Long threads keep their replies out of channel history; expand
		// a bounded number of them.
		if msg.ReplyCount > 0 && (msg.ThreadTS == "" || msg.ThreadTS == msg.TS) && expansions < a.opts.MaxThreadExpansions {
			expansions++
			replies, err := a.fetchReplies(ctx, token, resourceID, msg.TS)
			if err != nil {
				return Delta{}, err
			}
			delta.Items = append(delta.Items, replies...)
		}
	}

	// The ts watermark only advances once the history run completes.
	// Slack requires range parameters to stay constant across pages of
	// one run; narrowing oldest mid-run would put the remaining pages
	// below the range and skip them for good.
	if resp.HasMore && resp.Metadata.NextCursor != "" {
		delta.HasMore = true
		delta.NextCursor = oldest + "!" + resp.Metadata.NextCursor
	} else {
		delta.NextCursor = maxTS
	}
	return delta, nil
}

func (a *SlackAdapter) fetchReplies(ctx context.Context, token, channelID, threadTS string) ([]Item, error) {
	q := url.Values{}
	q.Set("channel", channelID)
	q.Set("ts", threadTS)
	q.Set("limit", strconv.Itoa(a.opts.MaxRepliesPerThread))

	var resp slackHistoryResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/conversations.replies?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, slackError(resp.Error)
	}

	var items []Item
	for _, msg := range resp.Messages {
		if msg.TS == threadTS || isSlackNoise(msg) {
			continue
		}
		items = append(items, slackItem(msg))
	}
	return items, nil
}

func slackItem(msg slackMessage) Item {
	return Item{
		ExternalID: msg.TS,
		Kind:       "message",
		Author:     msg.User,
		Body:       msg.Text,
		OccurredAt: slackTime(msg.TS),
	}
}

// isSlackNoise drops non-content events (joins, topic changes, etc).
func isSlackNoise(msg slackMessage) bool {
	if msg.Type != "message" {
		return true
	}
	switch msg.Subtype {
	case "channel_join", "channel_leave", "channel_topic", "channel_purpose",
		"channel_name", "channel_archive", "channel_unarchive", "message_deleted":
		return true
	}
	return strings.TrimSpace(msg.Text) == ""
}

// slackTime parses a "1712345678.000100" timestamp.
func slackTime(ts string) time.Time {
	sec := ts
	frac := ""
	if idx := strings.Index(ts, "."); idx >= 0 {
		sec = ts[:idx]
		frac = ts[idx+1:]
	}
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	micros := int64(0)
	if frac != "" {
		if n, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = n
		}
	}
	return time.Unix(secs, micros*1000).UTC()
}

func slackTSLess(a, b string) bool {
	af, errA := strconv.ParseFloat(a, 64)
	bf, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return af < bf
}
