package oauth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserSession identifies the browser user driving the authorize flow.
type UserSession struct {
	UserID string
	Email  string
}

// SessionClaims are the JWT claims the host application puts in the signed
// user-session tokens it issues after login.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// SessionVerifier validates RS256 user-session tokens minted by the host
// application against the shared key pair.
type SessionVerifier struct {
	issuer    string
	publicKey *rsa.PublicKey
}

// NewSessionVerifier creates a verifier for session tokens from the given issuer.
func NewSessionVerifier(issuer string, keys *KeyManager) *SessionVerifier {
	return &SessionVerifier{issuer: issuer, publicKey: keys.PublicKey()}
}

// Verify parses and validates a session token, returning the user it names.
func (v *SessionVerifier) Verify(tokenString string) (*UserSession, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}

	return &UserSession{UserID: claims.Subject, Email: claims.Email}, nil
}

// SignSessionToken mints a session token. The gateway itself only verifies;
// signing lives here for development tooling and tests.
func SignSessionToken(keys *KeyManager, issuer, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keys.KID()
	return token.SignedString(keys.PrivateKey())
}
