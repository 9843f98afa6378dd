package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/store"
)

const (
	kindNonce = "nonce"
	kindToken = "token"
)

type pgStore struct{ db *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) store.CredentialStore { return &pgStore{db: db} }

// upsert is a single conditional write: the insert wins only when no row
// exists or the stored row has expired, and the winning row is returned
// either way. This is the linearization point for concurrent first
// requests per owner.
const upsertSQL = `
    INSERT INTO credentials (kind, owner_id, value, expires_at)
    VALUES ($1, $2, $3, now() + $4)
    ON CONFLICT (kind, owner_id) DO UPDATE
      SET value = CASE WHEN credentials.expires_at <= now()
                       THEN EXCLUDED.value ELSE credentials.value END,
          expires_at = CASE WHEN credentials.expires_at <= now()
                            THEN EXCLUDED.expires_at ELSE credentials.expires_at END
    RETURNING value, expires_at`

const getSQL = `
    SELECT value, expires_at FROM credentials
    WHERE kind = $1 AND owner_id = $2 AND expires_at > now()`

func (p *pgStore) upsert(ctx context.Context, kind, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	cred := model.Credential{OwnerID: ownerID}
	err := p.db.QueryRow(ctx, upsertSQL, kind, ownerID, candidate, ttl).
		Scan(&cred.Value, &cred.ExpiresAt)
	return cred, err
}

func (p *pgStore) get(ctx context.Context, kind, ownerID string) (model.Credential, error) {
	cred := model.Credential{OwnerID: ownerID}
	err := p.db.QueryRow(ctx, getSQL, kind, ownerID).
		Scan(&cred.Value, &cred.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Credential{}, store.ErrNotFound
	}
	return cred, err
}

func (p *pgStore) UpsertNonce(ctx context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return p.upsert(ctx, kindNonce, ownerID, candidate, ttl)
}

func (p *pgStore) GetNonce(ctx context.Context, ownerID string) (model.Credential, error) {
	return p.get(ctx, kindNonce, ownerID)
}

func (p *pgStore) UpsertToken(ctx context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return p.upsert(ctx, kindToken, ownerID, candidate, ttl)
}

func (p *pgStore) GetToken(ctx context.Context, ownerID string) (model.Credential, error) {
	return p.get(ctx, kindToken, ownerID)
}
