// Package mojang talks to the Mojang session server, the external identity
// authority: it resolves account identifiers to canonical usernames and
// confirms session possession during the auth handshake.
package mojang

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// maxResponseBytes bounds profile responses; real session-server payloads
// are a few KB.
const maxResponseBytes = 1 << 20

var (
	// ErrInvalidIdentifier is returned for identifiers that are not UUIDs.
	ErrInvalidIdentifier = errors.New("Invalid UUID!")

	// ErrUnknownIdentity is returned when the session server has no account
	// for the identifier.
	ErrUnknownIdentity = errors.New("Not a valid Minecraft UUID!")

	// ErrProofMismatch is returned when the session server does not confirm
	// a session for the presented fingerprint.
	ErrProofMismatch = errors.New("Invalid nonce!")
)

type (
	// Client queries the Mojang session server over HTTP.
	Client struct {
		httpClient *http.Client
		baseURL    string // default "https://sessionserver.mojang.com", overridable for tests
		userAgent  string
	}

	// Option configures a Client during construction.
	Option func(*Client)

	// profile is the wire format of both the profile and hasJoined responses.
	profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Client) { m.httpClient = c }
}

// WithBaseURL overrides the session-server base URL, primarily for test servers.
func WithBaseURL(base string) Option {
	return func(m *Client) { m.baseURL = strings.TrimRight(base, "/") }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(m *Client) { m.userAgent = ua }
}

// NewClient creates a Client with production defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		baseURL:    "https://sessionserver.mojang.com",
		userAgent:  "jspm-registry",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve maps an account identifier to its canonical username. The identity
// is never cached; callers re-resolve per request.
func (c *Client) Resolve(ctx context.Context, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidIdentifier
	}
	p, err := c.fetchProfile(ctx, fmt.Sprintf("%s/session/minecraft/profile/%s", c.baseURL, url.PathEscape(id)))
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// ConfirmPossession asks the session server whether username currently holds
// a session tagged with the fingerprint of the two nonces. The fingerprint
// never exposes either nonce in reversible form.
func (c *Client) ConfirmPossession(ctx context.Context, username, serverNonce, clientNonce string) error {
	q := url.Values{}
	q.Set("username", username)
	q.Set("serverId", Fingerprint(serverNonce, clientNonce))
	p, err := c.fetchProfile(ctx, fmt.Sprintf("%s/session/minecraft/hasJoined?%s", c.baseURL, q.Encode()))
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return ErrProofMismatch
		}
		return err
	}
	if p.Name != username {
		return ErrProofMismatch
	}
	return nil
}

// Fingerprint derives the 40-character hex session tag from the server and
// client nonces.
func Fingerprint(serverNonce, clientNonce string) string {
	sum := sha256.Sum256([]byte(serverNonce + "+" + clientNonce))
	return hex.EncodeToString(sum[:])[:40]
}

func (c *Client) fetchProfile(ctx context.Context, u string) (*profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrUnknownIdentity
	default:
		return nil, fmt.Errorf("session server: unexpected status %d", resp.StatusCode)
	}

	var p profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&p); err != nil {
		return nil, ErrUnknownIdentity
	}
	if p.Name == "" {
		return nil, ErrUnknownIdentity
	}
	return &p, nil
}
