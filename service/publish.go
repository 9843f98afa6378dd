package service

import (
	"context"
	"errors"
	"slices"

	"github.com/mcjsscripts/jspm-registry/gitstore"
	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/registry"
	"github.com/mcjsscripts/jspm-registry/schema"
	"github.com/mcjsscripts/jspm-registry/store"
)

// Check summarizes the package tree for the index endpoint.
func (s *Service) Check(ctx context.Context) (*model.RepoStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, failf(ErrUpstream, "Could not check repository! (%v)", err)
	}
	if stats == nil {
		return nil, fail(ErrUpstream, "Could not check repository!")
	}
	return stats, nil
}

// PackageMetadata fetches the stored manifest of a published package.
func (s *Service) PackageMetadata(ctx context.Context, name string) (*model.PackageMetadata, error) {
	if !schema.ValidName(name) {
		return nil, fail(ErrValidation, "Invalid name!")
	}
	meta, err := s.repo.Manifest(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fail(ErrNotFound, "Does not exist!")
	}
	if err != nil {
		return nil, failf(ErrUpstream, "Could not fetch package metadata: %v", err)
	}
	return meta, nil
}

// Publish validates an uploaded bundle end to end and commits it into the
// package tree. Gates run in order — manifest, authorization, version
// ordering, required files — and every gate before the final commit is a
// pure check: a failure leaves the tree untouched.
func (s *Service) Publish(ctx context.Context, name, token string, body []byte) (string, error) {
	if token == "" {
		return "", fail(ErrUnauthorized, "Missing authorization header!")
	}
	if !schema.ValidName(name) {
		return "", fail(ErrValidation, "Invalid name!")
	}
	files, err := readBundle(body)
	if err != nil {
		return "", err
	}
	manifest, err := bundleManifest(files)
	if err != nil {
		return "", err
	}
	if manifest.Private {
		return "", fail(ErrValidation, "`private` is true!")
	}

	// The manifest self-reports a username; it must match what the identity
	// authority records for the declared uuid.
	username, err := s.verifier.Resolve(ctx, manifest.Author.UUID)
	if err != nil {
		return "", classifyIdentityErr(err)
	}
	if username != manifest.Author.Name {
		return "", fail(ErrValidation, "Invalid uuid!")
	}
	if err := s.requireToken(ctx, manifest.Author.UUID, token); err != nil {
		return "", err
	}
	banned, err := s.repo.BanList(ctx)
	if err != nil {
		return "", failf(ErrUpstream, "Could not read blacklist: %v", err)
	}
	if slices.Contains(banned, manifest.Author.UUID) {
		return "", fail(ErrUnauthorized, "Unauthorized. You'be been blacklisted!")
	}

	update, err := s.checkVersionGate(ctx, name, token, manifest)
	if err != nil {
		return "", err
	}

	if !slices.ContainsFunc(files, func(f model.PackageFile) bool { return f.Path == registry.EntryFile }) {
		return "", fail(ErrValidation, "Missing index.js file at root of package")
	}

	url, err := s.repo.Publish(ctx, name, update, files)
	if errors.Is(err, gitstore.ErrConflict) {
		return "", fail(ErrConflict, "Repository changed while publishing, please retry!")
	}
	if err != nil {
		return "", failf(ErrUpstream, "Something went wrong (upload failed): %v", err)
	}
	return url, nil
}

// requireToken compares the presented bearer token with the live token of
// the given owner.
func (s *Service) requireToken(ctx context.Context, ownerID, token string) error {
	cred, err := s.creds.GetToken(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(ErrUnauthorized, "Invalid token!")
	}
	if err != nil {
		return failf(ErrUpstream, "Could not read token: %v", err)
	}
	if cred.Value != token {
		return fail(ErrUnauthorized, "Invalid token!")
	}
	return nil
}

// checkVersionGate decides create-vs-update. Updates additionally require
// the presented token to belong to the *stored* manifest's owner — a
// deliberate second identity check, kept even though the token gate above
// already passed — and a strictly increasing package version.
func (s *Service) checkVersionGate(ctx context.Context, name, token string, manifest *model.Manifest) (update bool, err error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil || stats == nil {
		return false, fail(ErrUpstream, "Something went wrong (checkRepo failed)")
	}
	if !slices.Contains(stats.PackageNames, name) {
		return false, nil
	}

	meta, err := s.repo.Manifest(ctx, name)
	if err != nil {
		return false, fail(ErrUpstream, "Something went wrong (couldn't fetch pkg metadata)")
	}
	stored, err := schema.ParseManifest(meta.Content)
	if err != nil {
		return false, fail(ErrUpstream, "Something went wrong (stored manifest is invalid)")
	}

	const onlyPublisher = "Unauthorized. Only the package publisher is able to update the package!"
	ownerName, err := s.verifier.Resolve(ctx, stored.Author.UUID)
	if err != nil || ownerName != manifest.Author.Name {
		return false, fail(ErrUnauthorized, onlyPublisher)
	}
	ownerToken, err := s.creds.GetToken(ctx, stored.Author.UUID)
	if err != nil || ownerToken.Value != token {
		return false, fail(ErrUnauthorized, onlyPublisher)
	}

	if !schema.VersionGreater(manifest.Version.Pkg, stored.Version.Pkg) {
		return false, fail(ErrConflict, "Downgrading a package `version.pkg` is not allowed!")
	}
	return true, nil
}
