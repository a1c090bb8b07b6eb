package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var supportedAuthMethods = map[AuthMethod]bool{
	AuthMethodNone:              true,
	AuthMethodClientSecretBasic: true,
	AuthMethodClientSecretPost:  true,
}

// ClientMetadata carries the caller-supplied fields of a registration or update.
type ClientMetadata struct {
	Name                    string
	RedirectURIs            []string
	Scopes                  []string
	GrantTypes              []GrantType
	TokenEndpointAuthMethod AuthMethod
}

// ClientRegistry manages registered OAuth clients: dynamic registration,
// lookup, secret verification, and owner-scoped mutation.
type ClientRegistry struct {
	store Store

	// Hosts for which redirect URI matching checks origin only, and for
	// which the authorize flow may skip interactive consent. Configured
	// externally, never hard-coded.
	trustedRedirectHosts []string
}

// NewClientRegistry creates a registry backed by the given store.
func NewClientRegistry(store Store, trustedRedirectHosts []string) *ClientRegistry {
	return &ClientRegistry{store: store, trustedRedirectHosts: trustedRedirectHosts}
}

// Register validates the metadata, mints a client ID (and, unless the auth
// method is "none", a secret), and persists the client. The plaintext secret
// is returned exactly once; only its bcrypt hash is stored.
func (r *ClientRegistry) Register(ctx context.Context, ownerID string, meta ClientMetadata) (*Client, string, error) {
	if err := validateMetadata(&meta); err != nil {
		return nil, "", err
	}

	clientID, err := NewClientID()
	if err != nil {
		return nil, "", fmt.Errorf("generating client id: %w", err)
	}

	var secret, secretHash string
	if meta.TokenEndpointAuthMethod != AuthMethodNone {
		secret, err = NewClientSecret()
		if err != nil {
			return nil, "", fmt.Errorf("generating client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		secretHash = string(hash)
	}

	client := &Client{
		ID:                      clientID,
		UserID:                  ownerID,
		Name:                    meta.Name,
		SecretHash:              secretHash,
		RedirectURIs:            meta.RedirectURIs,
		Scopes:                  meta.Scopes,
		GrantTypes:              meta.GrantTypes,
		TokenEndpointAuthMethod: meta.TokenEndpointAuthMethod,
		Status:                  ClientStatusActive,
	}
	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("storing client: %w", err)
	}

	log.Info().Str("client_id", clientID).Str("owner", ownerID).Msg("registered oauth client")
	return client, secret, nil
}

// Lookup returns an active client. Revoked clients are reported as not found.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Status != ClientStatusActive {
		return nil, ErrNotFound
	}
	return client, nil
}

// VerifySecret verifies the presented secret against the stored bcrypt hash.
// Any mismatch, unknown client, revoked client, or expired secret yields nil;
// the caller cannot distinguish which check failed.
func (r *ClientRegistry) VerifySecret(ctx context.Context, clientID, secret string) *Client {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil || client.Status != ClientStatusActive {
		// Burn a comparison anyway so the miss costs the same as a mismatch.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGZLKQqIkeZtXiBoNJYZFYrHd6XanW1u"), []byte(secret))
		return nil
	}
	if client.TokenEndpointAuthMethod == AuthMethodNone || client.SecretHash == "" {
		return nil
	}
	if !client.SecretExpiresAt.IsZero() && time.Now().After(client.SecretExpiresAt) {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil
	}
	return client
}

// Update applies owner-scoped changes to name, redirect URIs, and scopes.
func (r *ClientRegistry) Update(ctx context.Context, ownerID, clientID string, meta ClientMetadata) (*Client, error) {
	client, err := r.ownedClient(ctx, ownerID, clientID)
	if err != nil {
		return nil, err
	}

	if meta.Name != "" {
		client.Name = meta.Name
	}
	if len(meta.RedirectURIs) > 0 {
		for _, uri := range meta.RedirectURIs {
			if err := validateRedirectURIFormat(uri); err != nil {
				return nil, err
			}
		}
		client.RedirectURIs = meta.RedirectURIs
	}
	if len(meta.Scopes) > 0 {
		client.Scopes = meta.Scopes
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("updating client: %w", err)
	}
	return client, nil
}

// Revoke marks a client revoked. Tokens issued to it stop verifying through
// the client check at the token endpoint; existing records are left for reap.
func (r *ClientRegistry) Revoke(ctx context.Context, ownerID, clientID string) error {
	client, err := r.ownedClient(ctx, ownerID, clientID)
	if err != nil {
		return err
	}
	client.Status = ClientStatusRevoked
	return r.store.SaveClient(ctx, client)
}

// Delete removes a client registration entirely. Owner-initiated only.
func (r *ClientRegistry) Delete(ctx context.Context, ownerID, clientID string) error {
	if _, err := r.ownedClient(ctx, ownerID, clientID); err != nil {
		return err
	}
	return r.store.DeleteClient(ctx, clientID)
}

// ValidateRedirectURI checks a redirect URI presented at authorize time
// against the client's registered URIs: exact origin+path match, except for
// trusted third-party hosts where only the origin must match.
func (r *ClientRegistry) ValidateRedirectURI(client *Client, redirectURI string) bool {
	presented, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	for _, registered := range client.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if reg.Scheme != presented.Scheme || reg.Host != presented.Host {
			continue
		}
		if r.IsTrustedRedirectHost(presented.Hostname()) {
			return true
		}
		if reg.Path == presented.Path {
			return true
		}
	}
	return false
}

// IsTrustedRedirectHost reports whether the host is on the configured
// trusted third-party redirect allow-list.
func (r *ClientRegistry) IsTrustedRedirectHost(host string) bool {
	for _, trusted := range r.trustedRedirectHosts {
		if strings.EqualFold(trusted, host) {
			return true
		}
	}
	return false
}

func (r *ClientRegistry) ownedClient(ctx context.Context, ownerID, clientID string) (*Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.UserID != ownerID {
		return nil, NewError(CodeUnauthorizedClient, "client is not owned by caller")
	}
	return client, nil
}

func validateMetadata(meta *ClientMetadata) error {
	if len(meta.RedirectURIs) == 0 {
		return NewError(CodeInvalidClientMetadata, "redirect_uris is required")
	}
	for _, uri := range meta.RedirectURIs {
		if err := validateRedirectURIFormat(uri); err != nil {
			return err
		}
	}

	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = AuthMethodNone
	}
	if !supportedAuthMethods[meta.TokenEndpointAuthMethod] {
		return NewError(CodeInvalidClientMetadata,
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", meta.TokenEndpointAuthMethod))
	}

	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = []GrantType{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, grant := range meta.GrantTypes {
		if grant != GrantAuthorizationCode && grant != GrantRefreshToken {
			return NewError(CodeInvalidClientMetadata, fmt.Sprintf("unsupported grant_type %q", grant))
		}
	}
	return nil
}

// validateRedirectURIFormat requires https, or http restricted to loopback.
func validateRedirectURIFormat(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return NewError(CodeInvalidClientMetadata, fmt.Sprintf("invalid redirect_uri %q", raw))
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
	}
	return NewError(CodeInvalidClientMetadata,
		fmt.Sprintf("redirect_uri must use https or loopback http: %q", raw))
}

// SupportsGrant reports whether the client is allowed the given grant type.
func (c *Client) SupportsGrant(grant GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// IsOwnedBy reports whether the client was registered by the given user.
func (c *Client) IsOwnedBy(userID string) bool {
	return c.UserID == userID
}

// ErrClientRevoked signals a revoked client on paths that must distinguish
// revocation from absence (the secret-verifying token endpoint path).
var ErrClientRevoked = errors.New("client revoked")

// LookupForTokenEndpoint returns the client regardless of status, with
// ErrClientRevoked for revoked clients, so the token endpoint can answer a
// stable invalid_client instead of not-found.
func (r *ClientRegistry) LookupForTokenEndpoint(ctx context.Context, clientID string) (*Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Status != ClientStatusActive {
		return nil, ErrClientRevoked
	}
	return client, nil
}
