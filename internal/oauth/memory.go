package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development, testing, and
// single-instance deployments. All state is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	clients      map[string]*Client
	authRequests map[string]*AuthRequest
	codes        map[string]*AuthorizationCode // code hash -> record
	tokens       map[string]*Token             // secret hash -> record
	tokensByID   map[string]*Token
	apiKeys      map[string]*APIKey // key hash -> record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:      make(map[string]*Client),
		authRequests: make(map[string]*AuthRequest),
		codes:        make(map[string]*AuthorizationCode),
		tokens:       make(map[string]*Token),
		tokensByID:   make(map[string]*Token),
		apiKeys:      make(map[string]*APIKey),
	}
}

func (s *MemoryStore) SaveClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *client
	return &cp, nil
}

func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
}

func (s *MemoryStore) SaveAuthRequest(_ context.Context, req *AuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.authRequests[req.RequestID] = &cp
	return nil
}

func (s *MemoryStore) GetAuthRequest(_ context.Context, requestID string) (*AuthRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequests[requestID]
	if !ok || time.Now().After(req.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) DeleteAuthRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authRequests, requestID)
	return nil
}

func (s *MemoryStore) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.CodeHash] = &cp
	return nil
}

func (s *MemoryStore) GetAuthorizationCode(_ context.Context, codeHash string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *code
	return &cp, nil
}

// ConsumeAuthorizationCode marks the code consumed under the store lock, so
// exactly one of any set of concurrent callers succeeds.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, codeHash string, now time.Time) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok || code.ConsumedAt != nil {
		return nil, ErrNotFound
	}
	consumed := now
	code.ConsumedAt = &consumed
	cp := *code
	return &cp, nil
}

func (s *MemoryStore) DeleteAuthorizationCodesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, code := range s.codes {
		if code.ExpiresAt.Before(cutoff) || (code.ConsumedAt != nil && code.ConsumedAt.Before(cutoff)) {
			delete(s.codes, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveToken(_ context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.SecretHash] = &cp
	s.tokensByID[token.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTokenByHash(_ context.Context, secretHash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[secretHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (s *MemoryStore) RevokeTokenByID(_ context.Context, tokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByID[tokenID]
	if !ok || token.RevokedAt != nil {
		return false, nil
	}
	revoked := at
	token.RevokedAt = &revoked
	return true, nil
}

func (s *MemoryStore) RevokeTokenFamily(_ context.Context, refreshTokenID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, token := range s.tokensByID {
		if token.RevokedAt != nil {
			continue
		}
		if token.ID == refreshTokenID || token.LinkedRefreshTokenID == refreshTokenID {
			at := at
			token.RevokedAt = &at
			revoked++
		}
	}
	return revoked, nil
}

func (s *MemoryStore) DeleteTokensBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, token := range s.tokens {
		if token.ExpiresAt.Before(cutoff) || (token.RevokedAt != nil && token.RevokedAt.Before(cutoff)) {
			delete(s.tokens, hash)
			delete(s.tokensByID, token.ID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.KeyHash] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.apiKeys[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
