package github

import (
	"keepalive/pkg/forge"
)

// init registers the GitHub client factory with the forge package.
func init() {
	forge.RegisterGitHubClientFactory(newClientFromFactory)
}

func newClientFromFactory(opts forge.ClientOptions) (forge.Client, error) {
	return NewClient(opts)
}
