package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newSlackServer(t *testing.T, handler http.HandlerFunc) (*SlackAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSlackAdapter(SlackOptions{BaseURL: srv.URL}), srv
}

func TestSlackFetchDeltaFiltersNoise(t *testing.T) {
	adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("oldest"); got != "100.000000" {
			t.Errorf("oldest = %q", got)
		}
		fmt.Fprint(w, `{
			"ok": true,
			"messages": [
				{"type": "message", "user": "U1", "text": "real message", "ts": "101.000100"},
				{"type": "message", "subtype": "channel_join", "user": "U2", "text": "joined", "ts": "102.000100"},
				{"type": "message", "user": "U3", "text": "   ", "ts": "103.000100"},
				{"type": "message", "subtype": "channel_topic", "user": "U1", "text": "set topic", "ts": "104.000100"}
			],
			"has_more": false
		}`)
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "C1", "100.000000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(delta.Items) != 1 || delta.Items[0].Body != "real message" {
		t.Fatalf("noise not filtered: %+v", delta.Items)
	}
	// Cursor still advances past filtered messages so they are never
	// re-fetched.
	if delta.NextCursor != "104.000100" {
		t.Fatalf("cursor = %q", delta.NextCursor)
	}
	if delta.HasMore {
		t.Fatalf("has_more false must end pagination")
	}
}

func TestSlackFetchDeltaPaginationKeepsRange(t *testing.T) {
	// History is newest-first; page 2 carries messages older than page
	// 1's newest. The oldest bound must stay constant across the run or
	// those pages fall out of the range and are skipped forever.
	adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("oldest"); got != "100.000000" {
			t.Errorf("oldest must not narrow mid-run, got %q", got)
		}
		if q.Get("cursor") == "" {
			fmt.Fprint(w, `{
				"ok": true,
				"messages": [{"type": "message", "user": "U1", "text": "newest", "ts": "300.000100"}],
				"has_more": true,
				"response_metadata": {"next_cursor": "pg2"}
			}`)
			return
		}
		if q.Get("cursor") != "pg2" {
			t.Errorf("resume cursor = %q", q.Get("cursor"))
		}
		fmt.Fprint(w, `{
			"ok": true,
			"messages": [{"type": "message", "user": "U2", "text": "older but in window", "ts": "250.000100"}],
			"has_more": false
		}`)
	})

	first, err := adapter.FetchDelta(context.Background(), "tok", "C1", "100.000000")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if !first.HasMore || first.NextCursor != "100.000000!pg2" {
		t.Fatalf("in-flight cursor must keep the run's oldest bound: %+v", first)
	}

	second, err := adapter.FetchDelta(context.Background(), "tok", "C1", first.NextCursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].Body != "older but in window" {
		t.Fatalf("in-window page-2 message lost: %+v", second.Items)
	}
	if second.HasMore || second.NextCursor != "250.000100" {
		t.Fatalf("final cursor wrong: %+v", second)
	}
}

func TestSlackThreadExpansion(t *testing.T) {
	var replyCalls int
	adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations.history":
			fmt.Fprint(w, `{
				"ok": true,
				"messages": [{"type": "message", "user": "U1", "text": "thread root", "ts": "300.000100", "reply_count": 2}],
				"has_more": false
			}`)
		case "/conversations.replies":
			replyCalls++
			if got := r.URL.Query().Get("ts"); got != "300.000100" {
				t.Errorf("replies ts = %q", got)
			}
			fmt.Fprint(w, `{
				"ok": true,
				"messages": [
					{"type": "message", "user": "U1", "text": "thread root", "ts": "300.000100"},
					{"type": "message", "user": "U2", "text": "first reply", "ts": "300.000200"},
					{"type": "message", "user": "U3", "text": "second reply", "ts": "300.000300"}
				]
			}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "C1", "100.000000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if replyCalls != 1 {
		t.Fatalf("thread not expanded: %d calls", replyCalls)
	}
	// Root plus two replies; the root is not duplicated from the replies
	// listing.
	if len(delta.Items) != 3 {
		t.Fatalf("expected 3 items, got %+v", delta.Items)
	}
}

func TestSlackThreadExpansionCap(t *testing.T) {
	var replyCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations.history":
			fmt.Fprint(w, `{
				"ok": true,
				"messages": [
					{"type": "message", "user": "U1", "text": "t1", "ts": "1.000100", "reply_count": 1},
					{"type": "message", "user": "U1", "text": "t2", "ts": "2.000100", "reply_count": 1},
					{"type": "message", "user": "U1", "text": "t3", "ts": "3.000100", "reply_count": 1}
				],
				"has_more": false
			}`)
		case "/conversations.replies":
			replyCalls++
			fmt.Fprint(w, `{"ok": true, "messages": []}`)
		}
	}))
	defer srv.Close()

	adapter := NewSlackAdapter(SlackOptions{BaseURL: srv.URL, MaxThreadExpansions: 2})
	if _, err := adapter.FetchDelta(context.Background(), "tok", "C1", "0.000000"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if replyCalls != 2 {
		t.Fatalf("expansion cap not applied: %d calls", replyCalls)
	}
}

func TestSlackErrorMapping(t *testing.T) {
	cases := []struct {
		apiError string
		check    func(error) bool
		name     string
	}{
		{"invalid_auth", IsAuth, "auth"},
		{"token_revoked", IsAuth, "auth"},
		{"ratelimited", func(err error) bool { return errors.Is(err, ErrRateLimited) }, "rate limit"},
	}
	for _, tc := range cases {
		adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"ok": false, "error": %q}`, tc.apiError)
		})
		_, err := adapter.FetchDelta(context.Background(), "tok", "C1", "0.000000")
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: error %q not classified: %v", tc.name, tc.apiError, err)
		}
	}
}

func TestSlackListLandscape(t *testing.T) {
	adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"ok": true,
			"channels": [
				{"id": "C1", "name": "general"},
				{"id": "C2", "name": "old-stuff", "is_archived": true}
			],
			"response_metadata": {"next_cursor": "pg2"}
		}`)
	})

	page, err := adapter.ListLandscape(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Resources) != 1 || page.Resources[0].ID != "C1" || page.Resources[0].Kind != "channel" {
		t.Fatalf("unexpected resources: %+v", page.Resources)
	}
	if page.NextCursor != "pg2" {
		t.Fatalf("next cursor = %q", page.NextCursor)
	}
}

func TestSlackProbeFreshness(t *testing.T) {
	adapter, _ := newSlackServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1" {
			t.Errorf("probe must fetch a single message, limit=%q", got)
		}
		fmt.Fprint(w, `{"ok": true, "messages": [{"type": "message", "text": "x", "ts": "1712345678.000100"}]}`)
	})

	got, err := adapter.ProbeFreshness(context.Background(), "tok", "C1")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	want := time.Unix(1712345678, 100000).UTC()
	if !got.Equal(want) {
		t.Fatalf("probe time = %v, want %v", got, want)
	}
}

func TestSlackInitialCursor(t *testing.T) {
	a := NewSlackAdapter(SlackOptions{})
	now := time.Unix(1_700_000_000, 0)
	if got := a.InitialCursor(now, 100*time.Second); got != "1699999900.000000" {
		t.Fatalf("initial cursor = %q", got)
	}
}

func TestSlackTSLess(t *testing.T) {
	if !slackTSLess("9.000000", "10.000000") {
		t.Fatalf("numeric comparison required, not lexicographic")
	}
	if slackTSLess("10.000000", "9.000000") {
		t.Fatalf("10 is not less than 9")
	}
}
