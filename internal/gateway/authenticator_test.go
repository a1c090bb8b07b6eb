package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoLOS-App/MoLOS-sub002/internal/oauth"
)

type staticModules []string

func (s staticModules) ListAvailableModuleIDs(context.Context) ([]string, error) {
	return s, nil
}

func newTestAuthenticator(t *testing.T, modules []string) (*Authenticator, *oauth.MemoryStore, *oauth.TokenService) {
	t.Helper()
	store := oauth.NewMemoryStore()
	tokens := oauth.NewTokenService(store, 0, 0)
	scopes := oauth.NewScopeMapper(staticModules(modules))
	return NewAuthenticator(tokens, scopes, store), store, tokens
}

func saveAPIKey(t *testing.T, store *oauth.MemoryStore, userID string, modules []string) string {
	t.Helper()
	key, err := oauth.NewAPIKey()
	require.NoError(t, err)
	require.NoError(t, store.SaveAPIKey(context.Background(), &oauth.APIKey{
		ID:        "key-1",
		UserID:    userID,
		Name:      "automation",
		KeyHash:   oauth.HashSecret(key),
		Modules:   modules,
		CreatedAt: time.Now(),
	}))
	return key
}

func TestAuthenticateAccessToken(t *testing.T) {
	auth, _, tokens := newTestAuthenticator(t, []string{"tasks", "notes"})
	ctx := context.Background()

	secret, record, err := tokens.CreateAccessToken(ctx, "client-1", "user-1", []string{"mcp:tasks"}, "")
	require.NoError(t, err)

	access, err := auth.Authenticate(ctx, "Bearer "+secret, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", access.Identity)
	assert.Equal(t, record.ID, access.CredentialID)
	assert.Equal(t, "sess-1", access.SessionID)
	assert.Equal(t, []string{"tasks"}, access.AllowedModules)
	assert.False(t, access.Unrestricted())
}

func TestAuthenticateUniversalScopeIsUnrestricted(t *testing.T) {
	auth, _, tokens := newTestAuthenticator(t, []string{"tasks"})
	ctx := context.Background()

	secret, _, err := tokens.CreateAccessToken(ctx, "client-1", "user-1", []string{oauth.ScopeUniversal}, "")
	require.NoError(t, err)

	access, err := auth.Authenticate(ctx, secret, "")
	require.NoError(t, err)
	assert.True(t, access.Unrestricted())
	assert.True(t, access.AllowsModule("anything"))
}

func TestAuthenticateAPIKey(t *testing.T) {
	auth, store, _ := newTestAuthenticator(t, nil)
	key := saveAPIKey(t, store, "user-2", []string{"tasks"})

	access, err := auth.Authenticate(context.Background(), key, "")
	require.NoError(t, err)
	assert.Equal(t, "user-2", access.Identity)
	assert.Equal(t, "key-1", access.CredentialID)
	assert.True(t, access.AllowsModule("tasks"))
	assert.False(t, access.AllowsModule("notes"))
}

func TestAuthenticateFailsUniformly(t *testing.T) {
	auth, store, tokens := newTestAuthenticator(t, nil)
	ctx := context.Background()

	// A revoked token and a revoked API key must be indistinguishable from
	// garbage credentials.
	secret, _, err := tokens.CreateAccessToken(ctx, "client-1", "user-1", nil, "")
	require.NoError(t, err)
	require.True(t, tokens.RevokeToken(ctx, secret))

	key := saveAPIKey(t, store, "user-2", nil)
	revokedAt := time.Now()
	require.NoError(t, store.SaveAPIKey(ctx, &oauth.APIKey{
		ID: "key-1", UserID: "user-2", KeyHash: oauth.HashSecret(key), RevokedAt: &revokedAt,
	}))

	for _, credential := range []string{"", "Bearer ", "mat_bogus", "mak_bogus", secret, key} {
		_, err := auth.Authenticate(ctx, credential, "")
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "credential %q", credential)
	}
}

func TestAccessContextEmptyModulesGrantNothing(t *testing.T) {
	access := &AccessContext{AllowedModules: []string{}}
	assert.False(t, access.Unrestricted())
	assert.False(t, access.AllowsModule("tasks"))
}
