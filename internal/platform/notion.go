package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const notionVersion = "2022-06-28"

// NotionAdapter syncs page blocks via the Notion REST API.
//
// Cursor encoding: the RFC3339 last-edited-time of the newest block
// seen by the last completed listing pass. While a pass is
// mid-pagination the cursor keeps the pass's starting time, with
// "!<start_cursor>" appended, so every page filters against the same
// floor. Nested blocks are expanded to a capped depth and count so a
// deeply nested page cannot fan out unbounded.
type NotionAdapter struct {
	baseURL string
	client  *apiClient
	opts    NotionOptions
}

type NotionOptions struct {
	BaseURL string
	// PageSize is the block-children page size.
	PageSize int
	// MaxDepth limits nested-block recursion.
	MaxDepth int
	// MaxExpansions caps child-listing calls per delta page.
	MaxExpansions int
}

func (o NotionOptions) withDefaults() NotionOptions {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.notion.com"
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.MaxExpansions <= 0 {
		o.MaxExpansions = 20
	}
	return o
}

func NewNotionAdapter(opts NotionOptions) *NotionAdapter {
	opts = opts.withDefaults()
	client := newAPIClient("notion")
	client.headers = map[string]string{"Notion-Version": notionVersion}
	return &NotionAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/") + "/v1",
		client:  client,
		opts:    opts,
	}
}

func (a *NotionAdapter) Name() string { return "notion" }

type notionRichText struct {
	PlainText string `json:"plain_text"`
}

type notionSearchResult struct {
	ID             string                     `json:"id"`
	Object         string                     `json:"object"`
	LastEditedTime string                     `json:"last_edited_time"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

type notionSearchResponse struct {
	Results    []notionSearchResult `json:"results"`
	HasMore    bool                 `json:"has_more"`
	NextCursor string               `json:"next_cursor"`
}

type notionPageResponse struct {
	LastEditedTime string `json:"last_edited_time"`
}

type notionBlock struct {
	ID             string
	Type           string
	HasChildren    bool
	LastEditedTime string
	payloads       map[string]json.RawMessage
}

func (b *notionBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		HasChildren    bool   `json:"has_children"`
		LastEditedTime string `json:"last_edited_time"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var payloads map[string]json.RawMessage
	if err := json.Unmarshal(data, &payloads); err != nil {
		return err
	}
	b.ID = head.ID
	b.Type = head.Type
	b.HasChildren = head.HasChildren
	b.LastEditedTime = head.LastEditedTime
	b.payloads = payloads
	return nil
}

// text extracts the plain text of a block from its type-keyed payload.
func (b *notionBlock) text() string {
	raw, ok := b.payloads[b.Type]
	if !ok {
		return ""
	}
	var payload struct {
		RichText []notionRichText `json:"rich_text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	var parts []string
	for _, rt := range payload.RichText {
		if rt.PlainText != "" {
			parts = append(parts, rt.PlainText)
		}
	}
	return strings.Join(parts, "")
}

type notionChildrenResponse struct {
	Results    []notionBlock `json:"results"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor"`
}

func (a *NotionAdapter) ListLandscape(ctx context.Context, token, pageCursor string) (LandscapePage, error) {
	body := map[string]any{
		"filter":    map[string]string{"property": "object", "value": "page"},
		"page_size": a.opts.PageSize,
	}
	if pageCursor != "" {
		body["start_cursor"] = pageCursor
	}

	var resp notionSearchResponse
	if err := a.client.postJSON(ctx, token, a.baseURL+"/search", body, &resp); err != nil {
		return LandscapePage{}, err
	}

	page := LandscapePage{}
	for _, r := range resp.Results {
		if r.Object != "page" {
			continue
		}
		page.Resources = append(page.Resources, Resource{
			ID:           r.ID,
			Kind:         "page",
			Name:         notionTitle(r.Properties),
			LastActivity: notionTime(r.LastEditedTime),
		})
	}
	if resp.HasMore {
		page.NextCursor = resp.NextCursor
	}
	return page, nil
}

func (a *NotionAdapter) ProbeFreshness(ctx context.Context, token, resourceID string) (time.Time, error) {
	var resp notionPageResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/pages/"+resourceID, &resp); err != nil {
		return time.Time{}, err
	}
	return notionTime(resp.LastEditedTime), nil
}

func (a *NotionAdapter) InitialCursor(now time.Time, window time.Duration) string {
	return now.Add(-window).UTC().Format(time.RFC3339)
}

func (a *NotionAdapter) FetchDelta(ctx context.Context, token, resourceID, cursor string) (Delta, error) {
	since := cursor
	startCursor := ""
	if idx := strings.Index(cursor, "!"); idx >= 0 {
		since = cursor[:idx]
		startCursor = cursor[idx+1:]
	}
	sinceTime := notionTime(since)
	if sinceTime.IsZero() {
		return Delta{}, fmt.Errorf("notion: bad cursor %q", cursor)
	}

	q := url.Values{}
	q.Set("page_size", strconv.Itoa(a.opts.PageSize))
	if startCursor != "" {
		q.Set("start_cursor", startCursor)
	}

	var resp notionChildrenResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/blocks/"+resourceID+"/children?"+q.Encode(), &resp); err != nil {
		return Delta{}, err
	}

	delta := Delta{}
	maxEdited := sinceTime
	expansions := 0
	for i := range resp.Results {
		block := &resp.Results[i]
		edited := notionTime(block.LastEditedTime)
		if edited.After(maxEdited) {
			maxEdited = edited
		}
		if !edited.After(sinceTime) {
			continue
		}
		if item, ok := notionItem(block); ok {
			delta.Items = append(delta.Items, item)
		}
		if block.HasChildren {
			children, err := a.expandChildren(ctx, token, block.ID, sinceTime, 1, &expansions)
			if err != nil {
				return Delta{}, err
			}
			delta.Items = append(delta.Items, children...)
		}
	}

	// The watermark only advances once the listing completes. Children
	// come back in document order, not edit order, so advancing it
	// mid-pagination would filter later pages against the wrong floor and
	// skip in-window blocks.
	if resp.HasMore && resp.NextCursor != "" {
		delta.HasMore = true
		delta.NextCursor = since + "!" + resp.NextCursor
	} else {
		delta.NextCursor = maxEdited.UTC().Format(time.RFC3339)
	}
	return delta, nil
}

// expandChildren recursively lists nested blocks, bounded by depth and a
// shared expansion budget.
func (a *NotionAdapter) expandChildren(ctx context.Context, token, blockID string, since time.Time, depth int, expansions *int) ([]Item, error) {
	if depth > a.opts.MaxDepth || *expansions >= a.opts.MaxExpansions {
		return nil, nil
	}
	*expansions++

	q := url.Values{}
	q.Set("page_size", strconv.Itoa(a.opts.PageSize))

	var resp notionChildrenResponse
	if err := a.client.getJSON(ctx, token, a.baseURL+"/blocks/"+blockID+"/children?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	var items []Item
	for i := range resp.Results {
		block := &resp.Results[i]
		if !notionTime(block.LastEditedTime).After(since) {
			continue
		}
		if item, ok := notionItem(block); ok {
			items = append(items, item)
		}
		if block.HasChildren {
			nested, err := a.expandChildren(ctx, token, block.ID, since, depth+1, expansions)
			if err != nil {
				return nil, err
			}
			items = append(items, nested...)
		}
	}
	return items, nil
}

// notionItem converts a block to an item; divider/unsupported/empty
// blocks are noise.
func notionItem(block *notionBlock) (Item, bool) {
	switch block.Type {
	case "divider", "unsupported", "breadcrumb", "table_of_contents", "column_list", "column":
		return Item{}, false
	}
	text := block.text()
	if strings.TrimSpace(text) == "" {
		return Item{}, false
	}
	return Item{
		ExternalID: block.ID,
		Kind:       "block",
		Body:       text,
		OccurredAt: notionTime(block.LastEditedTime),
	}, true
}

func notionTitle(props map[string]json.RawMessage) string {
	for _, raw := range props {
		var prop struct {
			Type  string           `json:"type"`
			Title []notionRichText `json:"title"`
		}
		if err := json.Unmarshal(raw, &prop); err != nil {
			continue
		}
		if prop.Type != "title" {
			continue
		}
		var parts []string
		for _, rt := range prop.Title {
			parts = append(parts, rt.PlainText)
		}
		return strings.Join(parts, "")
	}
	return ""
}

func notionTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
