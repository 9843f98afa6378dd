package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/mojang"
	"github.com/mcjsscripts/jspm-registry/store"
)

// fakeClock drives both the service and the credential fake so TTL behavior
// is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeCreds implements store.CredentialStore with the same atomic
// get-or-create contract as the Postgres adapter.
type fakeCreds struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]model.Credential
	tokens map[string]model.Credential
}

func newFakeCreds(now func() time.Time) *fakeCreds {
	return &fakeCreds{
		now:    now,
		nonces: map[string]model.Credential{},
		tokens: map[string]model.Credential{},
	}
}

func (f *fakeCreds) upsert(m map[string]model.Credential, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cred, ok := m[ownerID]; ok && cred.ExpiresAt.After(f.now()) {
		return cred, nil
	}
	cred := model.Credential{OwnerID: ownerID, Value: candidate, ExpiresAt: f.now().Add(ttl)}
	m[ownerID] = cred
	return cred, nil
}

func (f *fakeCreds) get(m map[string]model.Credential, ownerID string) (model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := m[ownerID]
	if !ok || !cred.ExpiresAt.After(f.now()) {
		return model.Credential{}, store.ErrNotFound
	}
	return cred, nil
}

func (f *fakeCreds) UpsertNonce(_ context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return f.upsert(f.nonces, ownerID, candidate, ttl)
}

func (f *fakeCreds) GetNonce(_ context.Context, ownerID string) (model.Credential, error) {
	return f.get(f.nonces, ownerID)
}

func (f *fakeCreds) UpsertToken(_ context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return f.upsert(f.tokens, ownerID, candidate, ttl)
}

func (f *fakeCreds) GetToken(_ context.Context, ownerID string) (model.Credential, error) {
	return f.get(f.tokens, ownerID)
}

// setToken seeds a live token directly, bypassing the handshake.
func (f *fakeCreds) setToken(ownerID, value string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[ownerID] = model.Credential{OwnerID: ownerID, Value: value, ExpiresAt: expiresAt}
}

// fakeVerifier resolves identities from a fixed table.
type fakeVerifier struct {
	names      map[string]string // uuid → username
	confirmErr error
	resolveErr error
}

func (f *fakeVerifier) Resolve(_ context.Context, id string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", mojang.ErrInvalidIdentifier
	}
	name, ok := f.names[id]
	if !ok {
		return "", mojang.ErrUnknownIdentity
	}
	return name, nil
}

func (f *fakeVerifier) ConfirmPossession(_ context.Context, _, _, _ string) error {
	return f.confirmErr
}

// fakeRepo records publish calls; reads come from fixed fields.
type fakeRepo struct {
	stats     *model.RepoStats
	statsErr  error
	manifests map[string]*model.PackageMetadata
	banned    []string
	banErr    error

	publishErr     error
	published      bool
	publishedName  string
	publishedFiles []model.PackageFile
	publishUpdate  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		stats:     &model.RepoStats{PackageNames: []string{}},
		manifests: map[string]*model.PackageMetadata{},
	}
}

func (f *fakeRepo) Stats(context.Context) (*model.RepoStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeRepo) Manifest(_ context.Context, name string) (*model.PackageMetadata, error) {
	meta, ok := f.manifests[name]
	if !ok {
		return nil, registryErrNotFound
	}
	return meta, nil
}

func (f *fakeRepo) BanList(context.Context) ([]string, error) {
	return f.banned, f.banErr
}

func (f *fakeRepo) Publish(_ context.Context, name string, update bool, files []model.PackageFile) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = true
	f.publishedName = name
	f.publishedFiles = files
	f.publishUpdate = update
	return "https://github.com/McJsScripts/JSPMRegistry/packages/" + name + "/", nil
}
