package source

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	src := Source{UserID: "u1", Platform: "slack", ResourceKind: "channel", ResourceID: "C123"}
	key := src.Key()
	if key != "u1/slack/channel:C123" {
		t.Fatalf("unexpected key: %s", key)
	}

	parsed, err := ParseKey(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != src {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, src)
	}
}

func TestParseKeyResourceWithColon(t *testing.T) {
	// Notion page IDs and calendar IDs can contain separators.
	parsed, err := ParseKey("u1/gcal/calendar:team@group.calendar.google.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ResourceID != "team@group.calendar.google.com" {
		t.Fatalf("unexpected resource id: %s", parsed.ResourceID)
	}
}

func TestParseKeyInvalid(t *testing.T) {
	for _, key := range []string{"", "u1", "u1/slack", "u1/slack/C123", "u1/slack/:C123"} {
		if _, err := ParseKey(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}

func TestValidate(t *testing.T) {
	src := Source{UserID: "u1", Platform: "slack", ResourceKind: "channel", ResourceID: "C123"}
	if err := src.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	src.Platform = ""
	if err := src.Validate(); err == nil {
		t.Fatalf("expected error for missing platform")
	}
}
