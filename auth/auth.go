package auth

import (
	"net/http"
	"strings"
)

// Identity is the authenticated user bound to a session for its whole lifetime.
type Identity struct {
	ID   string `json:"user"`
	Icon string `json:"icon,omitempty"`
}

type Client interface {
	// Auth authenticates current user, returns its identity.
	Auth(r *http.Request) (Identity, error)
}

// TokenClient authenticates upgrade requests carrying a bearer credential.
type TokenClient struct {
	verifier Verifier
}

func NewTokenClient(verifier Verifier) *TokenClient {
	return &TokenClient{verifier: verifier}
}

func (c *TokenClient) Auth(r *http.Request) (Identity, error) {
	return c.verifier.Verify(TokenFromRequest(r))
}

// TokenFromRequest returns the credential from the `token` query parameter,
// falling back to the `Authorization: Bearer` header.
func TokenFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	const prefix = "Bearer "
	if v := r.Header.Get("Authorization"); len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return ""
}
