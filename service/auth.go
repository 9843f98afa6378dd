package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/mcjsscripts/jspm-registry/mojang"
	"github.com/mcjsscripts/jspm-registry/store"
)

// digitRunRE extracts the first contiguous digit run of an identifier, the
// identifier-derived entropy the nonce formula requires.
var digitRunRE = regexp.MustCompile(`\d+`)

// IssueNonce resolves the identifier and returns the owner's current
// handshake nonce, minting one only when none is live. Re-requests within
// the TTL return the identical value; only the remaining lifetime shrinks.
func (s *Service) IssueNonce(ctx context.Context, id string) (username, nonce string, expiresIn time.Duration, err error) {
	username, err = s.verifier.Resolve(ctx, id)
	if err != nil {
		return "", "", 0, classifyIdentityErr(err)
	}

	digits := digitRunRE.FindString(id)
	if digits == "" {
		return "", "", 0, fail(ErrValidation, "Invalid UUID!")
	}
	millis := strconv.FormatInt(s.now().UnixMilli(), 10)
	sum := sha256.Sum256([]byte(digits + millis))
	candidate := hex.EncodeToString(sum[:])

	cred, err := s.creds.UpsertNonce(ctx, id, candidate, s.nonceTTL)
	if err != nil {
		return "", "", 0, failf(ErrUpstream, "Could not store nonce: %v", err)
	}
	return username, cred.Value, cred.ExpiresIn(s.now()), nil
}

// IssueToken turns a proven handshake into a bearer token. The presented
// nonce must equal the owner's live server nonce, and the session server
// must confirm a session tagged with the nonce-pair fingerprint. Token
// issuance is get-or-create with the same idempotency contract as nonces.
func (s *Service) IssueToken(ctx context.Context, id, clientNonce string) (token string, expiresIn time.Duration, err error) {
	stored, err := s.creds.GetNonce(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, fail(ErrUnauthorized, "Invalid nonce!")
	}
	if err != nil {
		return "", 0, failf(ErrUpstream, "Could not read nonce: %v", err)
	}
	if stored.Value != clientNonce {
		return "", 0, fail(ErrUnauthorized, "Invalid nonce!")
	}

	username, err := s.verifier.Resolve(ctx, id)
	if err != nil {
		return "", 0, classifyIdentityErr(err)
	}
	if err := s.verifier.ConfirmPossession(ctx, username, stored.Value, clientNonce); err != nil {
		return "", 0, classifyIdentityErr(err)
	}

	millis := strconv.FormatInt(s.now().UnixMilli(), 10)
	sum := sha256.Sum256([]byte(clientNonce + "+" + millis))
	candidate := base64.StdEncoding.EncodeToString(sum[:])

	cred, err := s.creds.UpsertToken(ctx, id, candidate, s.tokenTTL)
	if err != nil {
		return "", 0, failf(ErrUpstream, "Could not store token: %v", err)
	}
	return cred.Value, cred.ExpiresIn(s.now()), nil
}

// classifyIdentityErr maps session-server errors onto the service taxonomy,
// keeping the authority's message wording.
func classifyIdentityErr(err error) error {
	switch {
	case errors.Is(err, mojang.ErrInvalidIdentifier):
		return fail(ErrValidation, err.Error())
	case errors.Is(err, mojang.ErrUnknownIdentity):
		return fail(ErrNotFound, err.Error())
	case errors.Is(err, mojang.ErrProofMismatch):
		return fail(ErrUnauthorized, err.Error())
	default:
		return failf(ErrUpstream, "Identity authority unavailable: %v", err)
	}
}
