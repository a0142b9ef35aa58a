package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reason tells why a credential was rejected. It is for diagnostics only:
// callers must treat every rejection the same way.
type Reason string

const (
	Malformed        Reason = "malformed"
	Expired          Reason = "expired"
	InvalidSignature Reason = "invalid_signature"
)

// Rejected is returned by Verify for any credential that does not yield an identity.
type Rejected struct {
	Reason Reason
	Err    error
}

func (e *Rejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected: %s: %v", e.Reason, e.Err)
	}
	return "credential rejected: " + string(e.Reason)
}

func (e *Rejected) Unwrap() error { return e.Err }

// ReasonOf returns the rejection reason of err, or Malformed when err is not a *Rejected.
func ReasonOf(err error) Reason {
	var rej *Rejected
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return Malformed
}

type Verifier interface {
	// Verify validates signature and expiry of token and returns the embedded identity.
	// Every failure is a *Rejected.
	Verify(token string) (Identity, error)
}

// Claims is the payload of credentials issued for the relay.
type Claims struct {
	Icon string `json:"icon,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, &Rejected{Reason: Malformed, Err: errors.New("empty token")}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, &Rejected{Reason: Expired, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return Identity{}, &Rejected{Reason: InvalidSignature, Err: err}
	default:
		return Identity{}, &Rejected{Reason: Malformed, Err: err}
	}

	if claims.Subject == "" {
		return Identity{}, &Rejected{Reason: Malformed, Err: errors.New("missing sub claim")}
	}
	return Identity{ID: claims.Subject, Icon: claims.Icon}, nil
}

// Issuer signs credentials with a fixed expiry window. Production credentials come
// from the account service; this exists for the dev tool and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}
}

func (i *Issuer) Issue(userID, icon string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Icon: icon,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
