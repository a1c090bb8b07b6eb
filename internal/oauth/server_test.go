package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// authorizeWithConsent drives the full interactive flow: GET /authorize
// stores a pending request and renders consent, POST approves it, and the
// code comes back on the redirect.
func authorizeWithConsent(t *testing.T, env *testEnv, client *Client, challenge, state string) string {
	t.Helper()

	query := url.Values{
		"client_id":             {client.ID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {ScopeUniversal},
		"state":                 {state},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	env.server.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Approve")

	var requestID string
	for id := range env.store.authRequests {
		requestID = id
	}
	require.NotEmpty(t, requestID, "pending authorization request must be stored")

	rec = postForm(t, env.server.HandleAuthorizeDecision, "/oauth/authorize", url.Values{
		"request_id":    {requestID},
		"decision":      {"approve"},
		"session_token": {env.sessionToken(t, "user-1")},
	}, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state, redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	env := newTestEnv(t, []string{"tasks"}, nil)
	client, _ := env.registerClient(t, AuthMethodNone)
	verifier, challenge := pkcePair(t)

	code := authorizeWithConsent(t, env, client, challenge, "xyz123")

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
		"client_id":     {client.ID},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.True(t, strings.HasPrefix(body["access_token"].(string), PrefixAccessToken))
	assert.True(t, strings.HasPrefix(body["refresh_token"].(string), PrefixRefreshToken))
	assert.Equal(t, float64(3600), body["expires_in"])
	assert.Equal(t, ScopeUniversal, body["scope"])

	// The code is burned: replay gets invalid_grant.
	rec = postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
		"client_id":     {client.ID},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestTokenEndpointRejectsTamperedPKCE(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodNone)
	_, challenge := pkcePair(t)
	otherVerifier, _ := pkcePair(t)

	code := authorizeWithConsent(t, env, client, challenge, "")

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {otherVerifier},
		"client_id":     {client.ID},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestTokenEndpointRejectsRedirectMismatch(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodNone)
	verifier, challenge := pkcePair(t)

	code := authorizeWithConsent(t, env, client, challenge, "")

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/elsewhere"},
		"code_verifier": {verifier},
		"client_id":     {client.ID},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestAuthorizeTrustedHostAutoApproval(t *testing.T) {
	env := newTestEnv(t, nil, []string{"trusted.example.net"})

	client, _, err := env.registry.Register(context.Background(), "user-1", ClientMetadata{
		RedirectURIs: []string{"https://trusted.example.net/callback"},
	})
	require.NoError(t, err)
	_, challenge := pkcePair(t)

	query := url.Values{
		"client_id":             {client.ID},
		"redirect_uri":          {"https://trusted.example.net/callback"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+env.sessionToken(t, "user-1"))
	rec := httptest.NewRecorder()
	env.server.HandleAuthorize(rec, req)

	// No consent page: straight to the code redirect.
	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, redirect.Query().Get("code"))
	assert.Empty(t, env.store.authRequests)
}

func TestAuthorizeDenyRedirectsAccessDenied(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodNone)
	_, challenge := pkcePair(t)

	query := url.Values{
		"client_id":             {client.ID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"abc"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	env.server.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var requestID string
	for id := range env.store.authRequests {
		requestID = id
	}

	rec = postForm(t, env.server.HandleAuthorizeDecision, "/oauth/authorize", url.Values{
		"request_id": {requestID},
		"decision":   {"deny"},
	}, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, CodeAccessDenied, redirect.Query().Get("error"))
	assert.Equal(t, "abc", redirect.Query().Get("state"))
}

func TestAuthorizeRejectsUnregisteredRedirectWithoutRedirecting(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodNone)

	query := url.Values{
		"client_id":    {client.ID},
		"redirect_uri": {"https://evil.example.com/steal"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	env.server.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Equal(t, CodeInvalidRequest, decodeJSON(t, rec)["error"])
}

func TestAuthorizeRequiresPKCEForPublicClients(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodNone)

	query := url.Values{
		"client_id":    {client.ID},
		"redirect_uri": {client.RedirectURIs[0]},
		"state":        {"s"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	env.server.HandleAuthorize(rec, req)

	// Redirect URI already validated, so the error goes back on the redirect.
	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, redirect.Query().Get("error"))
	assert.Equal(t, "s", redirect.Query().Get("state"))
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	env := newTestEnv(t, []string{"tasks", "notes"}, nil)
	client, secret := env.registerClient(t, AuthMethodClientSecretBasic)
	verifier, challenge := pkcePair(t)

	code := authorizeWithConsent(t, env, client, challenge, "")

	withBasicAuth := func(r *http.Request) { r.SetBasicAuth(client.ID, secret) }

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, withBasicAuth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeJSON(t, rec)
	oldRefresh := first["refresh_token"].(string)
	oldAccess := first["access_token"].(string)

	rec = postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {oldRefresh},
	}, withBasicAuth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeJSON(t, rec)
	assert.NotEqual(t, oldRefresh, second["refresh_token"])

	// The whole old family is dead: the old access token no longer verifies
	// and the old refresh token cannot rotate again.
	assert.Nil(t, env.tokens.VerifyAccessToken(context.Background(), oldAccess))
	rec = postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {oldRefresh},
	}, withBasicAuth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestRefreshScopeNarrowing(t *testing.T) {
	env := newTestEnv(t, []string{"tasks", "notes"}, nil)
	client, _ := env.registerClient(t, AuthMethodNone)

	pair, err := env.tokens.CreateTokenPair(context.Background(), client.ID, "user-1", []string{"mcp:tasks", "mcp:notes"})
	require.NoError(t, err)

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair.RefreshToken},
		"client_id":     {client.ID},
		"scope":         {"mcp:tasks"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "mcp:tasks", decodeJSON(t, rec)["scope"])

	// Widening past the original grant is invalid_scope.
	pair2, err := env.tokens.CreateTokenPair(context.Background(), client.ID, "user-1", []string{"mcp:tasks"})
	require.NoError(t, err)
	rec = postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair2.RefreshToken},
		"client_id":     {client.ID},
		"scope":         {"mcp:tasks mcp:notes"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidScope, decodeJSON(t, rec)["error"])
}

func TestRefreshRejectsForeignClient(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	owner, _ := env.registerClient(t, AuthMethodNone)
	thief, _ := env.registerClient(t, AuthMethodNone)

	pair, err := env.tokens.CreateTokenPair(context.Background(), owner.ID, "user-1", nil)
	require.NoError(t, err)

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair.RefreshToken},
		"client_id":     {thief.ID},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestTokenEndpointClientAuthentication(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, _ := env.registerClient(t, AuthMethodClientSecretBasic)

	rec := postForm(t, env.server.HandleToken, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"whatever"},
		"client_id":     {client.ID},
		"client_secret": {"wrong"},
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidClient, decodeJSON(t, rec)["error"])
}

func TestRevokeAlwaysReturns200(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	client, secret := env.registerClient(t, AuthMethodClientSecretPost)

	pair, err := env.tokens.CreateTokenPair(context.Background(), client.ID, "user-1", nil)
	require.NoError(t, err)

	cases := []url.Values{
		{"token": {pair.RefreshToken}, "client_id": {client.ID}, "client_secret": {secret}},
		{"token": {"mrt_bogus"}, "client_id": {client.ID}, "client_secret": {secret}},
		{"token": {pair.RefreshToken}},
		{},
	}
	for _, form := range cases {
		rec := postForm(t, env.server.HandleRevoke, "/oauth/revoke", form, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	}

	// The one authenticated, owned revocation actually cascaded.
	assert.Nil(t, env.tokens.VerifyRefreshToken(context.Background(), pair.RefreshToken))
	assert.Nil(t, env.tokens.VerifyAccessToken(context.Background(), pair.AccessToken))
}

func TestRevokeIgnoresForeignTokens(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	owner, _ := env.registerClient(t, AuthMethodNone)
	thief, thiefSecret := env.registerClient(t, AuthMethodClientSecretPost)

	pair, err := env.tokens.CreateTokenPair(context.Background(), owner.ID, "user-1", nil)
	require.NoError(t, err)

	rec := postForm(t, env.server.HandleRevoke, "/oauth/revoke", url.Values{
		"token":         {pair.RefreshToken},
		"client_id":     {thief.ID},
		"client_secret": {thiefSecret},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, env.tokens.VerifyRefreshToken(context.Background(), pair.RefreshToken), "foreign revocation must not apply")
}

func TestDynamicRegistrationOverHTTP(t *testing.T) {
	env := newTestEnv(t, []string{"tasks"}, nil)

	body := `{
		"client_name": "cli tool",
		"redirect_uris": ["http://localhost:9999/callback"],
		"token_endpoint_auth_method": "client_secret_post",
		"scope": "mcp:tasks mcp:ghost"
	}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeJSON(t, rec)
	assert.NotEmpty(t, resp["client_id"])
	assert.NotEmpty(t, resp["client_secret"])
	assert.Equal(t, "mcp:tasks", resp["scope"], "unknown scopes are filtered at registration")
}

func TestRegistrationProtectedMode(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.cfg.RegistrationMode = "protected"
	env.cfg.RegistrationToken = "reg-secret"
	env.server = NewServer(env.cfg, env.registry, env.codes, env.tokens, env.scopes, env.store,
		NewSessionVerifier(env.cfg.Issuer, env.keys), env.keys)

	body := `{"redirect_uris": ["https://app.example.com/cb"]}`

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.server.HandleRegister(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer reg-secret")
	rec = httptest.NewRecorder()
	env.server.HandleRegister(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestDiscoveryDocuments(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := httptest.NewRecorder()
	env.server.HandleMetadata(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decodeJSON(t, rec)
	assert.Equal(t, env.cfg.Issuer, meta["issuer"])
	assert.Equal(t, env.cfg.Issuer+"/oauth/token", meta["token_endpoint"])
	assert.Equal(t, []interface{}{"S256"}, meta["code_challenge_methods_supported"])

	rec = httptest.NewRecorder()
	env.server.HandleJWKS(rec, httptest.NewRequest(http.MethodGet, "/oauth/jwks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	jwks := decodeJSON(t, rec)
	keys := jwks["keys"].([]interface{})
	require.Len(t, keys, 1)
	assert.Equal(t, "RS256", keys[0].(map[string]interface{})["alg"])
}
