package handler_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcjsscripts/jspm-registry/gitstore"
	"github.com/mcjsscripts/jspm-registry/handler"
	"github.com/mcjsscripts/jspm-registry/model"
	"github.com/mcjsscripts/jspm-registry/mojang"
	"github.com/mcjsscripts/jspm-registry/registry"
	"github.com/mcjsscripts/jspm-registry/routes"
	"github.com/mcjsscripts/jspm-registry/service"
	"github.com/mcjsscripts/jspm-registry/store"
)

const (
	steveUUID = "11111111-1111-1111-1111-111111111111"
	publicURL = "https://github.com/McJsScripts/JSPMRegistry"
)

// memCreds is an in-memory store.CredentialStore for end-to-end tests.
type memCreds struct {
	mu    sync.Mutex
	creds map[string]model.Credential // key: kind+ownerID
	nowFn func() time.Time
}

func newMemCreds() *memCreds {
	return &memCreds{creds: map[string]model.Credential{}, nowFn: time.Now}
}

func (m *memCreds) upsert(kind, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := kind + "/" + ownerID
	if cred, ok := m.creds[key]; ok && cred.ExpiresAt.After(m.nowFn()) {
		return cred, nil
	}
	cred := model.Credential{OwnerID: ownerID, Value: candidate, ExpiresAt: m.nowFn().Add(ttl)}
	m.creds[key] = cred
	return cred, nil
}

func (m *memCreds) get(kind, ownerID string) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[kind+"/"+ownerID]
	if !ok || !cred.ExpiresAt.After(m.nowFn()) {
		return model.Credential{}, store.ErrNotFound
	}
	return cred, nil
}

func (m *memCreds) UpsertNonce(_ context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return m.upsert("nonce", ownerID, candidate, ttl)
}

func (m *memCreds) GetNonce(_ context.Context, ownerID string) (model.Credential, error) {
	return m.get("nonce", ownerID)
}

func (m *memCreds) UpsertToken(_ context.Context, ownerID, candidate string, ttl time.Duration) (model.Credential, error) {
	return m.upsert("token", ownerID, candidate, ttl)
}

func (m *memCreds) GetToken(_ context.Context, ownerID string) (model.Credential, error) {
	return m.get("token", ownerID)
}

// stubVerifier resolves from a fixed table and always confirms possession.
type stubVerifier struct {
	names map[string]string
}

func (v *stubVerifier) Resolve(_ context.Context, id string) (string, error) {
	if strings.Count(id, "-") != 4 {
		return "", mojang.ErrInvalidIdentifier
	}
	name, ok := v.names[id]
	if !ok {
		return "", mojang.ErrUnknownIdentity
	}
	return name, nil
}

func (v *stubVerifier) ConfirmPossession(context.Context, string, string, string) error {
	return nil
}

type testAPI struct {
	handler http.Handler
	store   *gitstore.Store
}

func newTestAPI(t *testing.T, publishPerMinute int) *testAPI {
	t.Helper()
	gr, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	gs, err := gitstore.New(gr, "main", "tester", "tester@example.com")
	require.NoError(t, err)

	repo := registry.New(gs, publicURL, false)
	svc := service.New(newMemCreds(), &stubVerifier{names: map[string]string{steveUUID: "Steve"}}, repo, service.Options{})
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	srv := handler.New(svc, log, 5<<20)
	api := &testAPI{handler: routes.Setup(srv, log, publishPerMinute), store: gs}

	// production repositories always carry the packages directory
	api.seedFile(t, registry.PackagesPath+"/.gitkeep", nil)
	return api
}

func (a *testAPI) do(t *testing.T, method, path, token string, body []byte) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec.Code, envelope
}

func (a *testAPI) seedFile(t *testing.T, path string, content []byte) {
	t.Helper()
	ctx := context.Background()
	head, err := a.store.Head(ctx)
	require.NoError(t, err)
	_, err = a.store.Commit(ctx, head, "seed "+path, map[string][]byte{path: content}, "")
	require.NoError(t, err)
}

// handshake walks getnonce/puttoken and returns the bearer token.
func (a *testAPI) handshake(t *testing.T) string {
	t.Helper()
	code, env := a.do(t, http.MethodGet, "/auth/getnonce/"+steveUUID, "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, env["success"])
	require.Equal(t, "Steve", env["username"])
	nonce, _ := env["nonce"].(string)
	require.NotEmpty(t, nonce)
	assert.InDelta(t, 10, env["expireIn"].(float64), 1)

	body, err := json.Marshal(map[string]string{"nonce": nonce})
	require.NoError(t, err)
	code, env = a.do(t, http.MethodPost, "/auth/puttoken/"+steveUUID, "", body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, env["success"])
	token, _ := env["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func bundle(t *testing.T, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	manifest := `{"author":{"name":"Steve","uuid":"` + steveUUID + `"},"version":{"pkg":"` + version + `","minecraft":"1.20.1"}}`
	for name, content := range map[string]string{"jspm.json": manifest, "index.js": "export default {}"} {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCheckEnvelope(t *testing.T) {
	api := newTestAPI(t, 100)

	code, env := api.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, env["success"])
	assert.NotZero(t, env["time"])
	assert.Equal(t, float64(0), env["packageCount"])
}

func TestGetPackageNotFound(t *testing.T) {
	api := newTestAPI(t, 100)

	code, env := api.do(t, http.MethodGet, "/pkg/doesnotexist", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, env["success"])
	assert.Equal(t, "Does not exist!", env["error"])
}

func TestPutTokenRequiresNonce(t *testing.T) {
	api := newTestAPI(t, 100)

	code, env := api.do(t, http.MethodPost, "/auth/puttoken/"+steveUUID, "", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing `nonce`!", env["error"])
}

func TestGetNonceUnknownAccount(t *testing.T) {
	api := newTestAPI(t, 100)

	code, env := api.do(t, http.MethodGet, "/auth/getnonce/22222222-2222-2222-2222-222222222222", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, env["success"])
}

func TestPublishFlow(t *testing.T) {
	api := newTestAPI(t, 100)
	token := api.handshake(t)

	code, env := api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.0.0"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, env["success"])
	assert.Contains(t, env["githubUrl"], "/mymod/")

	// the manifest round-trips through the package tree
	code, env = api.do(t, http.MethodGet, "/pkg/mymod", "", nil)
	require.Equal(t, http.StatusOK, code)
	content, err := base64.StdEncoding.DecodeString(env["content"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(content), steveUUID)

	// the index now lists the package
	code, env = api.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), env["packageCount"])

	// republishing the same version is a conflict
	code, env = api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.0.0"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Downgrading a package `version.pkg` is not allowed!", env["error"])

	// a greater version goes through
	code, env = api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.1.0"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, env["success"])
}

func TestPublishWithoutToken(t *testing.T) {
	api := newTestAPI(t, 100)

	code, env := api.do(t, http.MethodPost, "/pkg/mymod", "", bundle(t, "1.0.0"))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Missing authorization header!", env["error"])
}

func TestPublishBlacklisted(t *testing.T) {
	api := newTestAPI(t, 100)
	api.seedFile(t, registry.BanListFile, []byte(`["`+steveUUID+`"]`))
	token := api.handshake(t)

	code, env := api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.0.0"))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthorized. You'be been blacklisted!", env["error"])
}

func TestPublishRateLimited(t *testing.T) {
	api := newTestAPI(t, 1)
	token := api.handshake(t)

	code, _ := api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.0.0"))
	require.Equal(t, http.StatusOK, code)

	code, env := api.do(t, http.MethodPost, "/pkg/mymod", token, bundle(t, "1.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Too many requests!", env["error"])
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, 100)

	req := httptest.NewRequest(http.MethodOptions, "/pkg/mymod", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
