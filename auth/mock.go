package auth

import (
	"net/http"
)

// MockClient trusts the `x-uid` and `x-icon` cookies. Local demos and tests only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (Identity, error) {
	var id Identity

	if c, err := r.Cookie("x-uid"); err == nil {
		id.ID = c.Value
	}
	if id.ID == "" {
		return Identity{}, &Rejected{Reason: Malformed}
	}
	if c, err := r.Cookie("x-icon"); err == nil {
		id.Icon = c.Value
	}
	return id, nil
}
