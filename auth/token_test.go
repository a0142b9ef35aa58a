package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestVerify(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "lineweb")

	good, err := NewIssuer(testSecret, "lineweb", time.Hour).Issue("alice", "/icons/alice.png")
	require.NoError(t, err)
	expired, err := NewIssuer(testSecret, "lineweb", -time.Minute).Issue("alice", "")
	require.NoError(t, err)
	forged, err := NewIssuer([]byte("another-secret-another-secret-xx"), "lineweb", time.Hour).Issue("alice", "")
	require.NoError(t, err)
	otherIssuer, err := NewIssuer(testSecret, "someone-else", time.Hour).Issue("alice", "")
	require.NoError(t, err)
	noSubject, err := NewIssuer(testSecret, "lineweb", time.Hour).Issue("", "")
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "lineweb",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(testSecret)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice",
		Issuer:  "lineweb",
	}}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason Reason
	}{
		{"empty", "", Malformed},
		{"garbage", "not-a-token", Malformed},
		{"expired", expired, Expired},
		{"forged signature", forged, InvalidSignature},
		{"unexpected algorithm", hs512, InvalidSignature},
		{"wrong issuer", otherIssuer, Malformed},
		{"missing subject", noSubject, Malformed},
		{"missing expiry", noExpiry, Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			require.Error(t, err)
			var rej *Rejected
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}

	t.Run("valid", func(t *testing.T) {
		id, err := verifier.Verify(good)
		require.NoError(t, err)
		assert.Equal(t, Identity{ID: "alice", Icon: "/icons/alice.png"}, id)
	})
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", TokenFromRequest(r))
}

func TestTokenClient(t *testing.T) {
	token, err := NewIssuer(testSecret, "", time.Hour).Issue("bob", "")
	require.NoError(t, err)
	client := NewTokenClient(NewJWTVerifier(testSecret, ""))

	id, err := client.Auth(httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, "bob", id.ID)

	_, err = client.Auth(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, Malformed, ReasonOf(err))
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.Error(t, err)

	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "carol"})
	r.AddCookie(&http.Cookie{Name: "x-icon", Value: "c.png"})
	id, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "carol", Icon: "c.png"}, id)
}
