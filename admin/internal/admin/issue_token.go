package admin

import (
	"time"

	"github.com/giftlane/relay/realtime/pkg/auth"
)

// IssueToken signs a client token for user. Operators use it to test the
// API and realtime endpoints.
func IssueToken(secret, issuer, user string, ttl time.Duration) (string, error) {
	j, err := auth.NewJWT(auth.JWTConfig{Secret: []byte(secret), Issuer: issuer})
	if err != nil {
		return "", err
	}
	return j.Issue(user, ttl)
}
