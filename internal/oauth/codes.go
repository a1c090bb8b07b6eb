package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultAuthCodeTTL is the lifetime of an authorization code.
const DefaultAuthCodeTTL = 10 * time.Minute

// codeReapLag is how long consumed codes are kept before cleanup removes them.
const codeReapLag = 24 * time.Hour

// CodeParams binds an authorization code to the parameters of the authorize
// request that minted it.
type CodeParams struct {
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Resource            string
	Scopes              []string
}

// CodeService issues and consumes single-use PKCE-bound authorization codes.
type CodeService struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewCodeService creates a code service. A zero ttl selects the default.
func NewCodeService(store Store, ttl time.Duration) *CodeService {
	if ttl <= 0 {
		ttl = DefaultAuthCodeTTL
	}
	return &CodeService{store: store, ttl: ttl, now: time.Now}
}

// Create mints an opaque code bound to the given client, user, and request
// parameters. The plaintext code is returned once; only its hash is stored.
func (s *CodeService) Create(ctx context.Context, client *Client, userID string, params CodeParams) (string, error) {
	code, err := NewAuthorizationCode()
	if err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}

	now := s.now()
	record := &AuthorizationCode{
		ID:                  uuid.New().String(),
		CodeHash:            HashSecret(code),
		ClientID:            client.ID,
		UserID:              userID,
		RedirectURI:         params.RedirectURI,
		Scopes:              params.Scopes,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		State:               params.State,
		Resource:            params.Resource,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}
	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return code, nil
}

// ValidateAndConsume atomically consumes the code and returns the record.
// It returns nil if the code is unknown, bound to a different client, already
// consumed, or expired. Under concurrent duplicate submissions exactly one
// caller receives the record.
func (s *CodeService) ValidateAndConsume(ctx context.Context, code, clientID string) *AuthorizationCode {
	record, err := s.store.ConsumeAuthorizationCode(ctx, HashSecret(code), s.now())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Msg("authorization code consume failed")
		}
		return nil
	}
	if record.ClientID != clientID {
		return nil
	}
	if s.now().After(record.ExpiresAt) {
		return nil
	}
	return record
}

// CodeChallenge reads the PKCE challenge bound to a code without consuming it.
func (s *CodeService) CodeChallenge(ctx context.Context, code, clientID string) (challenge, method string, err error) {
	record, err := s.store.GetAuthorizationCode(ctx, HashSecret(code))
	if err != nil {
		return "", "", err
	}
	if record.ClientID != clientID {
		return "", "", ErrNotFound
	}
	return record.CodeChallenge, record.CodeChallengeMethod, nil
}

// Cleanup reaps codes expired or consumed more than 24h ago.
func (s *CodeService) Cleanup(ctx context.Context) (int64, error) {
	return s.store.DeleteAuthorizationCodesBefore(ctx, s.now().Add(-codeReapLag))
}
