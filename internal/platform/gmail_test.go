package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newGmailServer(t *testing.T, handler http.HandlerFunc) *GmailAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmailAdapter(GmailOptions{BaseURL: srv.URL})
}

func gmailMessageJSON(id, subject, from, snippet string, internalMs int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"snippet": %q,
		"internalDate": "%d",
		"payload": {"headers": [
			{"name": "Subject", "value": %q},
			{"name": "From", "value": %q}
		]}
	}`, id, snippet, internalMs, subject, from)
}

func TestGmailHistoryDelta(t *testing.T) {
	adapter := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/history"):
			if got := r.URL.Query().Get("startHistoryId"); got != "42" {
				t.Errorf("startHistoryId = %q", got)
			}
			fmt.Fprint(w, `{
				"history": [
					{"id": "43", "messagesAdded": [{"message": {"id": "m1"}}]},
					{"id": "44", "messagesAdded": [{"message": {"id": "m1"}}, {"message": {"id": "m2"}}]}
				],
				"historyId": "44"
			}`)
		case strings.Contains(r.URL.Path, "/messages/"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			fmt.Fprint(w, gmailMessageJSON(id, "Subject "+id, "a@example.com", "snippet", 1712345678000))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "INBOX", "h:42")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// m1 appears in two history entries but is fetched once.
	if len(delta.Items) != 2 {
		t.Fatalf("expected 2 deduped items: %+v", delta.Items)
	}
	if delta.Items[0].Kind != "email" || delta.Items[0].Title != "Subject m1" || delta.Items[0].Author != "a@example.com" {
		t.Fatalf("unexpected item: %+v", delta.Items[0])
	}
	if delta.NextCursor != "h:44" {
		t.Fatalf("cursor = %q", delta.NextCursor)
	}
}

func TestGmailExpiredHistoryFallsBackToWindow(t *testing.T) {
	adapter := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"message": "Requested entity was not found."}}`)
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "INBOX", "h:42")
	if err != nil {
		t.Fatalf("expired history must not fail the sync: %v", err)
	}
	if !strings.HasPrefix(delta.NextCursor, "t:") || !delta.HasMore {
		t.Fatalf("expected window restart cursor: %+v", delta)
	}
}

func TestGmailWindowHandsOffToHistory(t *testing.T) {
	adapter := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			if got := r.URL.Query().Get("q"); !strings.HasPrefix(got, "after:") {
				t.Errorf("window query = %q", got)
			}
			fmt.Fprint(w, `{"messages": [{"id": "m1"}]}`)
		case strings.Contains(r.URL.Path, "/messages/"):
			fmt.Fprint(w, gmailMessageJSON("m1", "Hello", "a@example.com", "hi", 1712345678000))
		case strings.HasSuffix(r.URL.Path, "/profile"):
			fmt.Fprint(w, `{"historyId": "99"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "INBOX", "t:1712000000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(delta.Items) != 1 {
		t.Fatalf("unexpected items: %+v", delta.Items)
	}
	// Exhausted window hands off to incremental history syncs.
	if delta.NextCursor != "h:99" {
		t.Fatalf("cursor = %q", delta.NextCursor)
	}
}

func TestGmailWindowPagination(t *testing.T) {
	adapter := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"messages": [{"id": "m1"}], "nextPageToken": "pg2"}`)
		case strings.Contains(r.URL.Path, "/messages/"):
			fmt.Fprint(w, gmailMessageJSON("m1", "Hello", "a@example.com", "hi", 1712345678000))
		}
	})

	delta, err := adapter.FetchDelta(context.Background(), "tok", "INBOX", "t:1712000000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !delta.HasMore || delta.NextCursor != "t:1712000000!pg2" {
		t.Fatalf("page cursor not carried: %+v", delta)
	}
}

func TestGmailInitialCursor(t *testing.T) {
	a := NewGmailAdapter(GmailOptions{})
	now := time.Unix(1_700_000_000, 0)
	if got := a.InitialCursor(now, 1000*time.Second); got != "t:1699999000" {
		t.Fatalf("initial cursor = %q", got)
	}
}

func TestGmailBadCursor(t *testing.T) {
	a := NewGmailAdapter(GmailOptions{BaseURL: "http://localhost:0"})
	if _, err := a.FetchDelta(context.Background(), "tok", "INBOX", "bogus"); err == nil {
		t.Fatalf("unrecognized cursor must error")
	}
}
