package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Server exposes the authorization server over HTTP: authorize, token,
// registration, revocation, and discovery endpoints.
type Server struct {
	cfg      Config
	registry *ClientRegistry
	codes    *CodeService
	tokens   *TokenService
	scopes   *ScopeMapper
	store    Store
	sessions *SessionVerifier
	keys     *KeyManager
}

// NewServer wires the authorization server facade.
func NewServer(cfg Config, registry *ClientRegistry, codes *CodeService, tokens *TokenService, scopes *ScopeMapper, store Store, sessions *SessionVerifier, keys *KeyManager) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		codes:    codes,
		tokens:   tokens,
		scopes:   scopes,
		store:    store,
		sessions: sessions,
		keys:     keys,
	}
}

// HandleAuthorize processes GET /authorize. Trusted-host clients with an
// authenticated user are auto-approved; everyone else gets a consent prompt.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, client, err := s.parseAuthorizeRequest(r)
	if err != nil {
		oe := AsOAuthError(err)
		// Redirecting an error is only safe once the redirect URI has been
		// validated against the client registration.
		if req != nil && req.RedirectURI != "" {
			s.redirectError(w, r, req.RedirectURI, oe, req.State)
			return
		}
		writeOAuthError(w, http.StatusBadRequest, oe)
		return
	}

	user := s.authenticateUser(r)

	if user != nil && s.autoApproves(req) {
		s.finishAuthorize(w, r, req, client, user)
		return
	}

	if err := s.store.SaveAuthRequest(r.Context(), req); err != nil {
		log.Error().Err(err).Msg("failed to store auth request")
		s.redirectError(w, r, req.RedirectURI, NewError(CodeServerError, "could not store authorization request"), req.State)
		return
	}
	s.renderConsentPage(w, req, client)
}

// HandleAuthorizeDecision processes POST /authorize: the user's consent
// decision for a pending authorization request.
func (s *Server) HandleAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "invalid form body"))
		return
	}

	requestID := r.FormValue("request_id")
	decision := r.FormValue("decision")
	if requestID == "" || (decision != "approve" && decision != "deny") {
		writeOAuthError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "request_id and decision=approve|deny are required"))
		return
	}

	req, err := s.store.GetAuthRequest(r.Context(), requestID)
	if err != nil || time.Now().After(req.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "unknown or expired authorization request"))
		return
	}
	_ = s.store.DeleteAuthRequest(r.Context(), requestID)

	if decision == "deny" {
		s.redirectError(w, r, req.RedirectURI, NewError(CodeAccessDenied, "the user denied the request"), req.State)
		return
	}

	user := s.authenticateUser(r)
	if user == nil {
		writeOAuthError(w, http.StatusUnauthorized, NewError(CodeAccessDenied, "user authentication required"))
		return
	}

	client, err := s.registry.Lookup(r.Context(), req.ClientID)
	if err != nil {
		s.redirectError(w, r, req.RedirectURI, NewError(CodeInvalidClient, "unknown client"), req.State)
		return
	}
	s.finishAuthorize(w, r, req, client, user)
}

// HandleToken processes POST /token for both supported grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "invalid form body"))
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, AsOAuthError(err))
		return
	}

	var pair *TokenPair
	switch GrantType(r.FormValue("grant_type")) {
	case GrantAuthorizationCode:
		pair, err = s.ExchangeAuthorizationCode(r.Context(), client,
			r.FormValue("code"), r.FormValue("code_verifier"), r.FormValue("redirect_uri"))
	case GrantRefreshToken:
		pair, err = s.ExchangeRefreshToken(r.Context(), client,
			r.FormValue("refresh_token"), SplitScopes(r.FormValue("scope")))
	default:
		err = NewError(CodeUnsupportedGrantType, "grant_type must be authorization_code or refresh_token")
	}
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, AsOAuthError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(pair.ExpiresIn.Seconds()),
		"scope":         JoinScopes(pair.Scopes),
	})
}

// ExchangeAuthorizationCode consumes a code, enforces PKCE and redirect URI
// binding, and mints a token pair scoped to the code's grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *Client, code, codeVerifier, redirectURI string) (*TokenPair, error) {
	if code == "" {
		return nil, NewError(CodeInvalidRequest, "code is required")
	}
	if !client.SupportsGrant(GrantAuthorizationCode) {
		return nil, NewError(CodeUnauthorizedClient, "client may not use the authorization_code grant")
	}

	record := s.codes.ValidateAndConsume(ctx, code, client.ID)
	if record == nil {
		return nil, NewError(CodeInvalidGrant, "invalid or expired authorization code")
	}

	if redirectURI == "" || redirectURI != record.RedirectURI {
		return nil, NewError(CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(record, codeVerifier); err != nil {
		return nil, err
	}

	scopes := record.Scopes
	if len(scopes) == 0 {
		scopes = client.Scopes
	}

	pair, err := s.tokens.CreateTokenPair(ctx, client.ID, record.UserID, scopes)
	if err != nil {
		log.Error().Err(err).Str("client_id", client.ID).Msg("token issuance failed")
		return nil, NewError(CodeServerError, "failed to issue tokens")
	}
	return pair, nil
}

// ExchangeRefreshToken verifies ownership and applies the rotation policy.
// Requested scopes may narrow the original grant but never widen it.
func (s *Server) ExchangeRefreshToken(ctx context.Context, client *Client, refreshToken string, requested []string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, NewError(CodeInvalidRequest, "refresh_token is required")
	}
	if !client.SupportsGrant(GrantRefreshToken) {
		return nil, NewError(CodeUnauthorizedClient, "client may not use the refresh_token grant")
	}

	old := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if old == nil || old.ClientID != client.ID {
		return nil, NewError(CodeInvalidGrant, "invalid refresh token")
	}

	scopes := old.Scopes
	if len(requested) > 0 {
		granted := make(map[string]bool, len(old.Scopes))
		for _, scope := range old.Scopes {
			granted[scope] = true
		}
		for _, scope := range requested {
			if !granted[scope] {
				return nil, NewError(CodeInvalidScope, "requested scope exceeds the original grant")
			}
		}
		scopes = requested
	}

	pair, err := s.tokens.Rotate(ctx, old, scopes)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, oe
		}
		log.Error().Err(err).Str("client_id", client.ID).Msg("refresh rotation failed")
		return nil, NewError(CodeServerError, "failed to rotate tokens")
	}
	return pair, nil
}

// VerifyAccessToken is the read-side check used by the request authenticator.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) *Token {
	return s.tokens.VerifyAccessToken(ctx, token)
}

// VerifyRefreshToken is the read-side refresh token check.
func (s *Server) VerifyRefreshToken(ctx context.Context, token string) *Token {
	return s.tokens.VerifyRefreshToken(ctx, token)
}

// HandleRevoke processes POST /revoke. Per RFC 7009 the response is always
// 200 with an empty body: callers learn nothing about token validity.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err == nil {
		if token := r.FormValue("token"); token != "" {
			s.revoke(r.Context(), r, token)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// revoke looks up the presented token and, when it belongs to the presented
// client, revokes it — cascading for refresh tokens. Failures are logged,
// never returned.
func (s *Server) revoke(ctx context.Context, r *http.Request, token string) {
	client, err := s.authenticateClient(r)
	if err != nil {
		log.Debug().Msg("revocation with unauthenticated client ignored")
		return
	}

	record, err := s.store.GetTokenByHash(ctx, HashSecret(token))
	if err != nil {
		return
	}
	if record.ClientID != client.ID {
		log.Debug().Str("client_id", client.ID).Msg("revocation of foreign token ignored")
		return
	}

	if record.Type == TokenTypeRefresh {
		if _, err := s.tokens.RevokeRefreshTokenCascade(ctx, record.ID); err != nil {
			log.Error().Err(err).Msg("cascade revocation failed")
		}
		return
	}
	if _, err := s.store.RevokeTokenByID(ctx, record.ID, time.Now()); err != nil {
		log.Error().Err(err).Msg("token revocation failed")
	}
}

// HandleRegister processes POST /register: dynamic client registration.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID, ok := s.registrationOwner(r)
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, NewError(CodeAccessDenied, "registration requires authorization"))
		return
	}

	var body struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		GrantTypes              []string `json:"grant_types"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, http.StatusBadRequest, NewError(CodeInvalidRequest, "invalid JSON body"))
		return
	}

	scopes, err := s.scopes.ValidateScopes(r.Context(), SplitScopes(body.Scope))
	if err != nil {
		log.Error().Err(err).Msg("scope validation failed")
		writeOAuthError(w, http.StatusInternalServerError, NewError(CodeServerError, "internal error"))
		return
	}

	grants := make([]GrantType, 0, len(body.GrantTypes))
	for _, g := range body.GrantTypes {
		grants = append(grants, GrantType(g))
	}

	client, secret, err := s.registry.Register(r.Context(), ownerID, ClientMetadata{
		Name:                    body.ClientName,
		RedirectURIs:            body.RedirectURIs,
		Scopes:                  scopes,
		GrantTypes:              grants,
		TokenEndpointAuthMethod: AuthMethod(body.TokenEndpointAuthMethod),
	})
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, AsOAuthError(err))
		return
	}

	resp := map[string]interface{}{
		"client_id":                  client.ID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"client_secret_expires_at":   0,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"scope":                      JoinScopes(client.Scopes),
	}
	if secret != "" {
		resp["client_secret"] = secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleMetadata serves the authorization server discovery document.
func (s *Server) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"jwks_uri":                              issuer + "/oauth/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
		"scopes_supported":                      []string{ScopeUniversal},
	})
}

// HandleProtectedResourceMetadata serves the protected resource document.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 issuer + "/mcp",
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         []string{ScopeUniversal},
	})
}

// HandleJWKS serves the public key used to verify user-session tokens.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

func (s *Server) parseAuthorizeRequest(r *http.Request) (*AuthRequest, *Client, error) {
	query := r.URL.Query()

	clientID := query.Get("client_id")
	if clientID == "" {
		return nil, nil, NewError(CodeInvalidRequest, "client_id is required")
	}
	client, err := s.registry.Lookup(r.Context(), clientID)
	if err != nil {
		return nil, nil, NewError(CodeInvalidClient, "unknown client")
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		return nil, nil, NewError(CodeInvalidRequest, "redirect_uri is required")
	}
	if !s.registry.ValidateRedirectURI(client, redirectURI) {
		// Never redirect to an unregistered URI.
		return nil, nil, NewError(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	if rt := query.Get("response_type"); rt != "" && rt != "code" {
		return &AuthRequest{RedirectURI: redirectURI, State: query.Get("state")}, nil,
			NewError(CodeInvalidRequest, "unsupported response_type")
	}

	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := strings.ToUpper(query.Get("code_challenge_method"))
	if codeChallenge == "" {
		if client.TokenEndpointAuthMethod == AuthMethodNone {
			return &AuthRequest{RedirectURI: redirectURI, State: query.Get("state")}, nil,
				NewError(CodeInvalidRequest, "PKCE is required for public clients")
		}
	} else if codeChallengeMethod != "S256" {
		return &AuthRequest{RedirectURI: redirectURI, State: query.Get("state")}, nil,
			NewError(CodeInvalidRequest, "code_challenge_method must be S256")
	}

	scopes, err := s.scopes.ValidateScopes(r.Context(), SplitScopes(query.Get("scope")))
	if err != nil {
		return &AuthRequest{RedirectURI: redirectURI, State: query.Get("state")}, nil,
			NewError(CodeServerError, "could not resolve scopes")
	}

	now := time.Now()
	return &AuthRequest{
		RequestID:           uuid.New().String(),
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               query.Get("state"),
		Resource:            query.Get("resource"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
	}, client, nil
}

// autoApproves reports whether the request may skip interactive consent:
// the redirect host is on the externally configured trusted allow-list.
func (s *Server) autoApproves(req *AuthRequest) bool {
	parsed, err := url.Parse(req.RedirectURI)
	if err != nil {
		return false
	}
	if s.registry.IsTrustedRedirectHost(parsed.Hostname()) {
		log.Info().Str("client_id", req.ClientID).Str("host", parsed.Hostname()).
			Msg("consent auto-approved for trusted redirect host")
		return true
	}
	return false
}

func (s *Server) finishAuthorize(w http.ResponseWriter, r *http.Request, req *AuthRequest, client *Client, user *UserSession) {
	code, err := s.codes.Create(r.Context(), client, user.UserID, CodeParams{
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Resource:            req.Resource,
		Scopes:              req.Scopes,
	})
	if err != nil {
		log.Error().Err(err).Str("client_id", client.ID).Msg("code issuance failed")
		s.redirectError(w, r, req.RedirectURI, NewError(CodeServerError, "could not issue authorization code"), req.State)
		return
	}
	http.Redirect(w, r, buildRedirect(req.RedirectURI, code, req.State), http.StatusFound)
}

// authenticateUser resolves the host-app user-session token from the
// Authorization header, a form field, or a query parameter.
func (s *Server) authenticateUser(r *http.Request) *UserSession {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.FormValue("session_token")
	}
	if token == "" {
		token = r.URL.Query().Get("session_token")
	}
	if token == "" {
		return nil
	}
	user, err := s.sessions.Verify(token)
	if err != nil {
		log.Debug().Err(err).Msg("user session verification failed")
		return nil
	}
	return user
}

// authenticateClient authenticates the caller of the token and revocation
// endpoints according to its registered auth method. Revoked clients get a
// stable invalid_client, not a not-found.
func (s *Server) authenticateClient(r *http.Request) (*Client, error) {
	clientID := r.FormValue("client_id")
	secret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, secret = basicID, basicSecret
	}
	if clientID == "" {
		return nil, NewError(CodeInvalidClient, "client authentication failed")
	}

	client, err := s.registry.LookupForTokenEndpoint(r.Context(), clientID)
	if err != nil {
		return nil, NewError(CodeInvalidClient, "client authentication failed")
	}

	if client.TokenEndpointAuthMethod == AuthMethodNone {
		return client, nil
	}
	if verified := s.registry.VerifySecret(r.Context(), clientID, secret); verified == nil {
		return nil, NewError(CodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

// registrationOwner resolves the owner identity for dynamic registration.
// Open mode accepts anonymous registrations; protected mode requires either
// a user-session token or the shared registration bearer token.
func (s *Server) registrationOwner(r *http.Request) (string, bool) {
	if user := s.authenticateUser(r); user != nil {
		return user.UserID, true
	}
	if s.cfg.RegistrationMode != "protected" {
		return "", true
	}
	if s.cfg.RegistrationToken != "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") &&
			ConstantTimeEqual(strings.TrimPrefix(auth, "Bearer "), s.cfg.RegistrationToken) {
			return "system", true
		}
	}
	return "", false
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Authorize {{.ClientName}}</title>
</head>
<body>
  <h1>Authorize {{.ClientName}}</h1>
  <p>{{.ClientName}} is requesting access to: {{.ScopeList}}</p>
  <form method="POST" action="{{.ActionURL}}">
    <input type="hidden" name="request_id" value="{{.RequestID}}" />
    <input type="hidden" name="session_token" value="" data-session-token />
    <button type="submit" name="decision" value="approve">Approve</button>
    <button type="submit" name="decision" value="deny">Deny</button>
  </form>
</body>
</html>`))

func (s *Server) renderConsentPage(w http.ResponseWriter, req *AuthRequest, client *Client) {
	scopeList := JoinScopes(req.Scopes)
	if scopeList == "" {
		scopeList = JoinScopes(client.Scopes)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = consentTemplate.Execute(w, map[string]string{
		"ClientName": client.Name,
		"ScopeList":  scopeList,
		"RequestID":  req.RequestID,
		"ActionURL":  s.cfg.Issuer + "/oauth/authorize",
	})
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI string, oe *Error, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oe)
		return
	}
	q := u.Query()
	q.Set("error", oe.Code)
	q.Set("error_description", oe.Description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// verifyPKCE recomputes BASE64URL(SHA256(verifier)) and requires exact
// equality with the challenge bound at code issuance.
func verifyPKCE(code *AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return NewError(CodeInvalidGrant, "code_verifier supplied for a code without a challenge")
		}
		return nil
	}
	if verifier == "" {
		return NewError(CodeInvalidGrant, "code_verifier is required")
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	if !ConstantTimeEqual(challenge, code.CodeChallenge) {
		return NewError(CodeInvalidGrant, "code_verifier does not match the challenge")
	}
	return nil
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeOAuthError(w http.ResponseWriter, status int, oe *Error) {
	writeJSON(w, status, map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
