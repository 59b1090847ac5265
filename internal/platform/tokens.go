package platform

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvTokenProvider reads tokens from TETHER_TOKEN_<PLATFORM> environment
// variables. It is the CLI's default provider; hosted deployments plug in
// a real credential service behind the same interface.
type EnvTokenProvider struct{}

func (EnvTokenProvider) GetValidToken(_ context.Context, _ string, platform string) (string, error) {
	key := "TETHER_TOKEN_" + strings.ToUpper(platform)
	token := strings.TrimSpace(os.Getenv(key))
	if token == "" {
		return "", fmt.Errorf("no token for %s (set %s): %w", platform, key, ErrAuth)
	}
	return token, nil
}

// StaticTokenProvider returns a fixed token for every (user, platform).
type StaticTokenProvider string

func (t StaticTokenProvider) GetValidToken(_ context.Context, _, _ string) (string, error) {
	return string(t), nil
}
