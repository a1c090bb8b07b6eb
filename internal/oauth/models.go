package oauth

import "time"

// AuthMethod is a token endpoint authentication method.
type AuthMethod string

const (
	AuthMethodNone              AuthMethod = "none"
	AuthMethodClientSecretBasic AuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  AuthMethod = "client_secret_post"
)

// ClientStatus is the lifecycle state of a registered client.
type ClientStatus string

const (
	ClientStatusActive  ClientStatus = "active"
	ClientStatusRevoked ClientStatus = "revoked"
)

// GrantType identifies a token endpoint grant.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Client represents a registered OAuth client.
// A client whose TokenEndpointAuthMethod is "none" never carries a secret.
type Client struct {
	ID                      string
	UserID                  string
	Name                    string
	SecretHash              string
	RedirectURIs            []string
	Scopes                  []string
	GrantTypes              []GrantType
	TokenEndpointAuthMethod AuthMethod
	Status                  ClientStatus
	SecretExpiresAt         time.Time // zero means never
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AuthRequest is a pending authorization request awaiting user consent.
type AuthRequest struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Resource            string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use PKCE-bound code record. Only the SHA-256
// hash of the code is stored; the plaintext is returned once at creation.
type AuthorizationCode struct {
	ID                  string
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Resource            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
}

// Token is an access or refresh token record. The token secret is stored only
// as a SHA-256 hash; verification is a hash lookup, never a decryption.
type Token struct {
	ID                   string
	ClientID             string
	UserID               string
	Type                 TokenType
	SecretHash           string
	Scopes               []string
	LinkedRefreshTokenID string // set on access tokens minted alongside a refresh token
	CreatedAt            time.Time
	ExpiresAt            time.Time
	RevokedAt            *time.Time
}

// Live reports whether the token is unrevoked and unexpired at now.
func (t *Token) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// APIKey is a static first-party credential bound to a fixed module list.
type APIKey struct {
	ID        string
	UserID    string
	Name      string
	KeyHash   string
	Modules   []string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// TokenPair is the result of a code or refresh exchange. AccessToken and
// RefreshToken carry the plaintext secrets, returned exactly once.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	AccessRecord  *Token
	RefreshRecord *Token
	Scopes        []string
	ExpiresIn     time.Duration
}
