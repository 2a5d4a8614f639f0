// Package auth verifies the bearer tokens presented by API and realtime
// clients.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Reason says why a token was rejected. It is recorded in the audit log and
// never shown to the client.
type Reason string

const (
	ReasonMissing          Reason = "missing"
	ReasonMalformed        Reason = "malformed"
	ReasonExpired          Reason = "expired"
	ReasonInvalidSignature Reason = "invalid_signature"
)

type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "token " + string(e.Reason)
	}
	return fmt.Sprintf("token %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the rejection reason carried by err, or malformed for
// errors that carry none.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonMalformed
}

// Identity is the authenticated principal. UserID is a normalized account
// address.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

type Verifier interface {
	Verify(token string) (*Identity, error)
}

type JWTConfig struct {
	Secret []byte
	// Issuer is checked when set.
	Issuer string
	Leeway time.Duration
	Clock  clockwork.Clock
}

func (cfg *JWTConfig) Validate() error {
	if len(cfg.Secret) < 16 {
		return errors.New("jwt secret must be at least 16 bytes")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// JWT signs and verifies HS256 tokens whose subject is the user's address.
type JWT struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

func NewJWT(cfg JWTConfig) (*JWT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Clock.Now),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWT{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (j *JWT) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, &Error{Reason: ReasonMissing}
	}
	var claims jwt.RegisteredClaims
	_, err := j.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return j.cfg.Secret, nil
	})
	if err != nil {
		return nil, &Error{Reason: classify(err), Err: err}
	}
	user, err := domain.NormalizeAddress(claims.Subject)
	if err != nil {
		return nil, &Error{Reason: ReasonMalformed, Err: err}
	}
	id := &Identity{UserID: user}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonInvalidSignature
	default:
		return ReasonMalformed
	}
}

// Issue signs a token for userID valid for ttl.
func (j *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	user, err := domain.NormalizeAddress(userID)
	if err != nil {
		return "", err
	}
	now := j.cfg.Clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    j.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter used by browser websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
