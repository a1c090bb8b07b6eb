package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testEnv bundles the services under test over a shared in-memory store.
type testEnv struct {
	store    *MemoryStore
	registry *ClientRegistry
	codes    *CodeService
	tokens   *TokenService
	scopes   *ScopeMapper
	keys     *KeyManager
	server   *Server
	cfg      Config
}

// staticModules is a fixed module lister for tests.
type staticModules []string

func (s staticModules) ListAvailableModuleIDs(context.Context) ([]string, error) {
	return s, nil
}

func newTestEnv(t *testing.T, modules []string, trustedHosts []string) *testEnv {
	t.Helper()

	store := NewMemoryStore()
	registry := NewClientRegistry(store, trustedHosts)
	codes := NewCodeService(store, 0)
	tokens := NewTokenService(store, 0, 0)
	scopes := NewScopeMapper(staticModules(modules))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := NewKeyManager(key)
	require.NoError(t, err)

	cfg := Config{
		Issuer:               "https://auth.example.com",
		AccessTokenTTL:       DefaultAccessTokenTTL,
		RefreshTokenTTL:      DefaultRefreshTokenTTL,
		AuthCodeTTL:          DefaultAuthCodeTTL,
		RegistrationMode:     "open",
		TrustedRedirectHosts: trustedHosts,
	}
	sessions := NewSessionVerifier(cfg.Issuer, keys)
	server := NewServer(cfg, registry, codes, tokens, scopes, store, sessions, keys)

	return &testEnv{
		store:    store,
		registry: registry,
		codes:    codes,
		tokens:   tokens,
		scopes:   scopes,
		keys:     keys,
		server:   server,
		cfg:      cfg,
	}
}

func (e *testEnv) registerClient(t *testing.T, method AuthMethod, redirectURIs ...string) (*Client, string) {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://app.example.com/callback"}
	}
	client, secret, err := e.registry.Register(context.Background(), "user-1", ClientMetadata{
		Name:                    "test client",
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: method,
		Scopes:                  []string{ScopeUniversal},
	})
	require.NoError(t, err)
	return client, secret
}

func (e *testEnv) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := SignSessionToken(e.keys, e.cfg.Issuer, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// pkcePair returns a verifier and its S256 challenge.
func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	verifier, err := RandomString(32)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}
