package source

import (
	"fmt"
	"strings"
)

// Source identifies one syncable (user, platform, resource) tuple.
// The identity is immutable; removing and re-adding a resource produces
// a brand-new Source with no inherited sync state.
type Source struct {
	UserID       string `json:"user_id"`
	Platform     string `json:"platform"`
	ResourceID   string `json:"resource_id"`
	ResourceKind string `json:"resource_kind"`
}

// Key returns the canonical string form "user/platform/kind:resource".
// It is used as the primary key in the database and as the single-flight
// guard key, so it must be stable and unique per tuple.
func (s Source) Key() string {
	return fmt.Sprintf("%s/%s/%s:%s", s.UserID, s.Platform, s.ResourceKind, s.ResourceID)
}

func (s Source) String() string {
	return s.Key()
}

// Validate checks that all identity fields are present.
func (s Source) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("source user_id is required")
	}
	if s.Platform == "" {
		return fmt.Errorf("source platform is required")
	}
	if s.ResourceID == "" {
		return fmt.Errorf("source resource_id is required")
	}
	if s.ResourceKind == "" {
		return fmt.Errorf("source resource_kind is required")
	}
	return nil
}

// ParseKey parses the canonical "user/platform/kind:resource" form.
func ParseKey(key string) (Source, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return Source{}, fmt.Errorf("invalid source key %q", key)
	}
	kindRes := strings.SplitN(parts[2], ":", 2)
	if len(kindRes) != 2 {
		return Source{}, fmt.Errorf("invalid source key %q", key)
	}
	s := Source{
		UserID:       parts[0],
		Platform:     parts[1],
		ResourceKind: kindRes[0],
		ResourceID:   kindRes[1],
	}
	if err := s.Validate(); err != nil {
		return Source{}, fmt.Errorf("invalid source key %q: %w", key, err)
	}
	return s, nil
}
