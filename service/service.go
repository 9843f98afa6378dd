// Package service sequences the registry's two core protocols: the
// identity-handshake that converts session possession into a bearer token,
// and the validated, atomic publish of package bundles.
package service

import (
	"context"
	"time"

	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/store"
)

// IdentityVerifier is the external identity authority: it resolves opaque
// identifiers to canonical usernames and confirms session possession.
type IdentityVerifier interface {
	Resolve(ctx context.Context, id string) (string, error)
	ConfirmPossession(ctx context.Context, username, serverNonce, clientNonce string) error
}

// PackageRepository is the read/write façade over the package content tree.
type PackageRepository interface {
	Stats(ctx context.Context) (*model.RepoStats, error)
	Manifest(ctx context.Context, name string) (*model.PackageMetadata, error)
	BanList(ctx context.Context) ([]string, error)
	Publish(ctx context.Context, name string, update bool, files []model.PackageFile) (string, error)
}

// Options tune credential lifetimes. Now is a clock hook for tests.
type Options struct {
	NonceTTL time.Duration
	TokenTTL time.Duration
	Now      func() time.Time
}

type Service struct {
	creds    store.CredentialStore
	verifier IdentityVerifier
	repo     PackageRepository
	nonceTTL time.Duration
	tokenTTL time.Duration
	now      func() time.Time
}

func New(creds store.CredentialStore, verifier IdentityVerifier, repo PackageRepository, opts Options) *Service {
	s := &Service{
		creds:    creds,
		verifier: verifier,
		repo:     repo,
		nonceTTL: opts.NonceTTL,
		tokenTTL: opts.TokenTTL,
		now:      opts.Now,
	}
	if s.nonceTTL <= 0 {
		s.nonceTTL = 10 * time.Second
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}
