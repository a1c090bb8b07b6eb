package oauth

import (
	"context"
	"os"
	"time"
)

// Store persists OAuth credentials. Implementations hold no business logic;
// validity rules (expiry, revocation, PKCE) live in the services above.
type Store interface {
	// Clients.
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	DeleteClient(ctx context.Context, clientID string) error

	// Pending authorization requests (consent flow).
	SaveAuthRequest(ctx context.Context, req *AuthRequest) error
	GetAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error)
	DeleteAuthRequest(ctx context.Context, requestID string) error

	// Authorization codes.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode atomically marks the code consumed and returns
	// it. Exactly one concurrent caller succeeds; the rest get ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (*AuthorizationCode, error)
	DeleteAuthorizationCodesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Tokens.
	SaveToken(ctx context.Context, token *Token) error
	GetTokenByHash(ctx context.Context, secretHash string) (*Token, error)
	RevokeTokenByID(ctx context.Context, tokenID string, at time.Time) (bool, error)
	// RevokeTokenFamily revokes the refresh token with the given ID together
	// with every access token linked to it, returning the count revoked.
	RevokeTokenFamily(ctx context.Context, refreshTokenID string, at time.Time) (int64, error)
	DeleteTokensBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// API keys.
	SaveAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)

	Ping(ctx context.Context) error
	Close() error
}

// NewStoreFromEnv selects a store backend: Postgres (with optional Redis for
// short-lived records) when a database URL is configured, otherwise an
// in-memory store for development and single-instance use.
func NewStoreFromEnv() (Store, error) {
	connString := os.Getenv("OAUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(connString, os.Getenv("REDIS_URL"))
}
