package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/MoLOS-App/MoLOS-sub002/internal/oauth"
)

// ErrAuthenticationFailed is the single error returned for any invalid,
// expired, or revoked credential. API keys and bearer tokens must not be
// distinguishable from the error alone.
var ErrAuthenticationFailed = errors.New("authentication failed")

// AccessContext is the uniform result of authenticating a request,
// regardless of credential mechanism.
type AccessContext struct {
	// Identity is the user the credential acts for.
	Identity string

	// AllowedModules lists the module IDs the credential may touch. A nil
	// slice means unrestricted access; an empty non-nil slice means none.
	AllowedModules []string

	// CredentialID identifies the credential record (token or API key ID)
	// for rate limiting and audit.
	CredentialID string

	// SessionID is the client-supplied session identifier, when present.
	SessionID string
}

// Unrestricted reports whether the context grants access to every module.
func (a *AccessContext) Unrestricted() bool {
	return a.AllowedModules == nil
}

// AllowsModule reports whether the context grants access to the module.
func (a *AccessContext) AllowsModule(moduleID string) bool {
	if a.AllowedModules == nil {
		return true
	}
	for _, id := range a.AllowedModules {
		if id == moduleID {
			return true
		}
	}
	return false
}

// Authenticator resolves raw credentials into access contexts. The
// credential mechanism is chosen by prefix: API keys carry a fixed prefix,
// everything else is treated as an opaque access token.
type Authenticator struct {
	tokens *oauth.TokenService
	scopes *oauth.ScopeMapper
	store  oauth.Store
}

// NewAuthenticator wires the request authenticator.
func NewAuthenticator(tokens *oauth.TokenService, scopes *oauth.ScopeMapper, store oauth.Store) *Authenticator {
	return &Authenticator{tokens: tokens, scopes: scopes, store: store}
}

// Authenticate verifies a raw credential string, with or without a "Bearer "
// prefix, and produces the access context. Any failure maps to
// ErrAuthenticationFailed.
func (a *Authenticator) Authenticate(ctx context.Context, credential, sessionID string) (*AccessContext, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if credential == "" {
		return nil, ErrAuthenticationFailed
	}

	if strings.HasPrefix(credential, oauth.PrefixAPIKey) {
		return a.authenticateAPIKey(ctx, credential, sessionID)
	}
	return a.authenticateToken(ctx, credential, sessionID)
}

func (a *Authenticator) authenticateToken(ctx context.Context, credential, sessionID string) (*AccessContext, error) {
	token := a.tokens.VerifyAccessToken(ctx, credential)
	if token == nil {
		return nil, ErrAuthenticationFailed
	}

	modules, err := a.scopes.ScopesToModules(ctx, token.Scopes)
	if err != nil {
		log.Error().Err(err).Msg("module resolution failed during authentication")
		return nil, ErrAuthenticationFailed
	}

	return &AccessContext{
		Identity:       token.UserID,
		AllowedModules: modules,
		CredentialID:   token.ID,
		SessionID:      sessionID,
	}, nil
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, credential, sessionID string) (*AccessContext, error) {
	key, err := a.store.GetAPIKeyByHash(ctx, oauth.HashSecret(credential))
	if err != nil || key.RevokedAt != nil {
		return nil, ErrAuthenticationFailed
	}

	return &AccessContext{
		Identity:       key.UserID,
		AllowedModules: key.Modules,
		CredentialID:   key.ID,
		SessionID:      sessionID,
	}, nil
}
