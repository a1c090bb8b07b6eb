package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// tokenReapLag is how long expired or revoked tokens are kept before the
// cleanup sweep hard-deletes them.
const tokenReapLag = 24 * time.Hour

// TokenService issues, verifies, rotates, and revokes opaque tokens. Token
// secrets are never stored; verification hashes the presented secret and
// looks the record up by hash.
type TokenService struct {
	store      Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a token service. Zero TTLs select the defaults.
func NewTokenService(store Store, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	return &TokenService{store: store, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// CreateAccessToken mints an access token. linkedRefreshID, when non-empty,
// ties the token to a refresh token family for cascade revocation.
func (s *TokenService) CreateAccessToken(ctx context.Context, clientID, userID string, scopes []string, linkedRefreshID string) (string, *Token, error) {
	return s.create(ctx, TokenTypeAccess, clientID, userID, scopes, linkedRefreshID, s.accessTTL)
}

// CreateRefreshToken mints a refresh token.
func (s *TokenService) CreateRefreshToken(ctx context.Context, clientID, userID string, scopes []string) (string, *Token, error) {
	return s.create(ctx, TokenTypeRefresh, clientID, userID, scopes, "", s.refreshTTL)
}

// CreateTokenPair mints a refresh token and an access token linked to it.
func (s *TokenService) CreateTokenPair(ctx context.Context, clientID, userID string, scopes []string) (*TokenPair, error) {
	refreshSecret, refreshRecord, err := s.CreateRefreshToken(ctx, clientID, userID, scopes)
	if err != nil {
		return nil, err
	}
	accessSecret, accessRecord, err := s.CreateAccessToken(ctx, clientID, userID, scopes, refreshRecord.ID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:   accessSecret,
		RefreshToken:  refreshSecret,
		AccessRecord:  accessRecord,
		RefreshRecord: refreshRecord,
		Scopes:        scopes,
		ExpiresIn:     s.accessTTL,
	}, nil
}

func (s *TokenService) create(ctx context.Context, tokenType TokenType, clientID, userID string, scopes []string, linkedRefreshID string, ttl time.Duration) (string, *Token, error) {
	secret, err := NewTokenSecret(tokenType)
	if err != nil {
		return "", nil, fmt.Errorf("generating %s token: %w", tokenType, err)
	}

	now := s.now()
	record := &Token{
		ID:                   uuid.New().String(),
		ClientID:             clientID,
		UserID:               userID,
		Type:                 tokenType,
		SecretHash:           HashSecret(secret),
		Scopes:               scopes,
		LinkedRefreshTokenID: linkedRefreshID,
		CreatedAt:            now,
		ExpiresAt:            now.Add(ttl),
	}
	if err := s.store.SaveToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("storing %s token: %w", tokenType, err)
	}
	return secret, record, nil
}

// VerifyToken resolves a presented secret to a live token record. Returns nil
// for unknown, revoked, or expired tokens; expiry is checked here, not in the
// store.
func (s *TokenService) VerifyToken(ctx context.Context, secret string) *Token {
	record, err := s.store.GetTokenByHash(ctx, HashSecret(secret))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Msg("token lookup failed")
		}
		return nil
	}
	if !record.Live(s.now()) {
		return nil
	}
	return record
}

// VerifyAccessToken verifies the secret and asserts the access token type.
func (s *TokenService) VerifyAccessToken(ctx context.Context, secret string) *Token {
	record := s.VerifyToken(ctx, secret)
	if record == nil || record.Type != TokenTypeAccess {
		return nil
	}
	return record
}

// VerifyRefreshToken verifies the secret and asserts the refresh token type.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, secret string) *Token {
	record := s.VerifyToken(ctx, secret)
	if record == nil || record.Type != TokenTypeRefresh {
		return nil
	}
	return record
}

// RevokeToken idempotently revokes the token behind a presented secret and
// reports whether a live token was found. The result is for internal use
// only; revocation outcomes are never surfaced to untrusted callers.
func (s *TokenService) RevokeToken(ctx context.Context, secret string) bool {
	record, err := s.store.GetTokenByHash(ctx, HashSecret(secret))
	if err != nil {
		return false
	}
	live, err := s.store.RevokeTokenByID(ctx, record.ID, s.now())
	if err != nil {
		log.Error().Err(err).Msg("token revocation failed")
		return false
	}
	return live
}

// RevokeRefreshTokenCascade revokes a refresh token and every access token
// minted in its family, in one logical operation. The count is returned for
// observability only.
func (s *TokenService) RevokeRefreshTokenCascade(ctx context.Context, refreshTokenID string) (int64, error) {
	revoked, err := s.store.RevokeTokenFamily(ctx, refreshTokenID, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoking token family: %w", err)
	}
	if revoked > 0 {
		log.Debug().Str("refresh_token_id", refreshTokenID).Int64("revoked", revoked).Msg("cascade revocation")
	}
	return revoked, nil
}

// Rotate applies the refresh rotation policy: claim the presented refresh
// token, mint a new pair, then cascade-revoke the old family, so a replayed,
// already-rotated refresh token can never mint new tokens. The claim is a
// single atomic check-and-mark; exactly one of any set of concurrent
// rotations of the same token proceeds.
func (s *TokenService) Rotate(ctx context.Context, old *Token, scopes []string) (*TokenPair, error) {
	claimed, err := s.store.RevokeTokenByID(ctx, old.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("claiming refresh token: %w", err)
	}
	if !claimed {
		return nil, NewError(CodeInvalidGrant, "refresh token is no longer valid")
	}
	pair, err := s.CreateTokenPair(ctx, old.ClientID, old.UserID, scopes)
	if err != nil {
		return nil, err
	}
	if _, err := s.RevokeRefreshTokenCascade(ctx, old.ID); err != nil {
		return nil, err
	}
	return pair, nil
}

// Cleanup hard-deletes tokens expired or revoked more than 24h ago,
// bounding storage growth.
func (s *TokenService) Cleanup(ctx context.Context) (int64, error) {
	return s.store.DeleteTokensBefore(ctx, s.now().Add(-tokenReapLag))
}

// AccessTokenTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration { return s.accessTTL }
