// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the registry daemon. The git
// repository and the credential database are required; everything else has
// a working default.
type Config struct {
	Port string `env:"PORT" envDefault:"3030"`

	// Credential store (handshake nonces, session tokens).
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Package content tree: a bare git repository bound at startup.
	RepoPath   string `env:"REPO_PATH,required"`
	RepoBranch string `env:"REPO_BRANCH" envDefault:"main"`

	// Base of the public reference URLs handed back to publishers.
	PublicRepoURL string `env:"PUBLIC_REPO_URL" envDefault:"https://github.com/McJsScripts/JSPMRegistry"`

	// External identity authority.
	SessionServerURL string `env:"SESSION_SERVER_URL" envDefault:"https://sessionserver.mojang.com"`

	NonceTTL time.Duration `env:"NONCE_TTL" envDefault:"10s"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	// Publish upload limit in bytes (raw zip body).
	MaxBundleBytes int64 `env:"MAX_BUNDLE_BYTES" envDefault:"5120000"`

	PublishPerMinute int `env:"PUBLISH_PER_MINUTE" envDefault:"2"`

	// When set, an unreadable or malformed ban list rejects publishes
	// instead of reading as empty. Off by default to match the historical
	// fail-open policy.
	BanListFailClosed bool `env:"BANLIST_FAIL_CLOSED" envDefault:"false"`

	CommitterName  string `env:"COMMITTER_NAME" envDefault:"jspm-registry[bot]"`
	CommitterEmail string `env:"COMMITTER_EMAIL" envDefault:"registry@mcjsscripts.github.io"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
