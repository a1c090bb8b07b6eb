package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// Credential prefixes. The request authenticator routes on these.
const (
	PrefixClientID     = "client_"
	PrefixAccessToken  = "mat_"
	PrefixRefreshToken = "mrt_"
	PrefixAPIKey       = "mak_"
)

// RandomString returns a base64url-encoded random string of length random bytes.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the hex-encoded SHA-256 hash of an opaque secret.
// Tokens, codes, and API keys are stored and looked up by this hash.
func HashSecret(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking a timing signal.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewClientID generates an opaque client identifier.
func NewClientID() (string, error) {
	id, err := RandomString(18)
	if err != nil {
		return "", err
	}
	return PrefixClientID + id, nil
}

// NewClientSecret generates a high-entropy client secret.
func NewClientSecret() (string, error) {
	return RandomString(48)
}

// NewAuthorizationCode generates an opaque authorization code. The code
// carries no decodable information; every validation goes through the store.
func NewAuthorizationCode() (string, error) {
	return RandomString(32)
}

// NewTokenSecret generates an opaque token secret for the given type.
func NewTokenSecret(tokenType TokenType) (string, error) {
	secret, err := RandomString(32)
	if err != nil {
		return "", err
	}
	if tokenType == TokenTypeRefresh {
		return PrefixRefreshToken + secret, nil
	}
	return PrefixAccessToken + secret, nil
}

// NewAPIKey generates a static API key secret.
func NewAPIKey() (string, error) {
	secret, err := RandomString(32)
	if err != nil {
		return "", err
	}
	return PrefixAPIKey + secret, nil
}
