package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignTestToken signs claims for the given actor with HS256. It exists for
// tests and local tooling; production tokens are minted by the identity service.
func SignTestToken(secret []byte, issuer, userID, role, classID string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:  userID,
		Role:    role,
		ClassID: classID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}
