package forge

import (
	"fmt"
	"os"
	"strings"
)

// ClientOptions carries what a provider factory needs to build a client.
type ClientOptions struct {
	// Owner/Repo identify the repository.
	Owner string
	Repo  string

	// Token is the API credential. Empty falls back to GITHUB_TOKEN.
	Token string
}

// NewClient creates the forge client for the configured provider. Only GitHub
// is registered today; the factory indirection keeps provider packages from
// leaking into engine code.
func NewClient(opts ClientOptions) (Client, error) {
	if opts.Token == "" {
		opts.Token = os.Getenv("GITHUB_TOKEN")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("no forge token: set GITHUB_TOKEN or pass one explicitly")
	}
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	return newGitHubClient(opts)
}

// ParseRepoPath splits "owner/repo" (or a full URL ending in owner/repo).
func ParseRepoPath(path string) (owner, repo string, err error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(path), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid repo path %q: want owner/repo", path)
	}
	owner = parts[len(parts)-2]
	repo = parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repo path %q: want owner/repo", path)
	}
	return owner, repo, nil
}

// newGitHubClient is replaced by the github package's init().
//
//nolint:gochecknoglobals // Factory pattern requires global registration
var newGitHubClient = func(ClientOptions) (Client, error) {
	return nil, fmt.Errorf("github client not registered - import keepalive/pkg/forge/github")
}

// RegisterGitHubClientFactory lets the github package register its client
// factory without an import cycle.
func RegisterGitHubClientFactory(factory func(ClientOptions) (Client, error)) {
	newGitHubClient = factory
}
