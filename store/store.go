package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcjsscripts/jspm-registry/model"
)

// ErrNotFound is returned when no live credential exists for an owner.
// Expired rows report the same way as missing ones.
var ErrNotFound = errors.New("credential not found")

// CredentialStore persists per-owner handshake nonces and session tokens.
//
// The Upsert methods are atomic get-or-create: when a live credential already
// exists for the owner, the stored record is returned and candidate is
// discarded; otherwise candidate is persisted with the given TTL. Two
// concurrent first requests for one owner must agree on a single value, so
// implementations may not use separate read-then-write calls.
type CredentialStore interface {
	UpsertNonce(ctx context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error)
	GetNonce(ctx context.Context, ownerID string) (model.Credential, error)
	UpsertToken(ctx context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error)
	GetToken(ctx context.Context, ownerID string) (model.Credential, error)
}
