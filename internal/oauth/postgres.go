package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// PostgresStore persists OAuth data in Postgres. When a Redis client is
// configured, pending auth requests and authorization codes live in Redis
// instead, with TTL-based expiry and GETDEL single-use consumption.
type PostgresStore struct {
	db    *sql.DB
	redis *redis.Client
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the database, initializes the schema, and optionally
// attaches Redis when redisURL is non-empty.
func NewPostgresStore(connString, redisURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store.redis = redis.NewClient(opts)
		if err := store.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	return store, nil
}

// Close closes connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database and Redis connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		return s.redis.Ping(ctx).Err()
	}
	return nil
}

// SaveClient inserts or updates a client registration.
func (s *PostgresStore) SaveClient(ctx context.Context, client *Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, user_id, client_name, secret_hash, redirect_uris, scopes, grant_types, token_endpoint_auth_method, status, secret_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_name = EXCLUDED.client_name,
			secret_hash = EXCLUDED.secret_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			scopes = EXCLUDED.scopes,
			grant_types = EXCLUDED.grant_types,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			status = EXCLUDED.status,
			secret_expires_at = EXCLUDED.secret_expires_at,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	grants := make([]string, len(client.GrantTypes))
	for i, g := range client.GrantTypes {
		grants[i] = string(g)
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		client.ID,
		client.UserID,
		client.Name,
		nullableString(client.SecretHash),
		pq.Array(client.RedirectURIs),
		pq.Array(client.Scopes),
		pq.Array(grants),
		string(client.TokenEndpointAuthMethod),
		string(client.Status),
		nullableTime(client.SecretExpiresAt),
		client.CreatedAt,
		client.UpdatedAt,
	)
	return err
}

// GetClient fetches a client by id, revoked or not.
func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, user_id, client_name, secret_hash, redirect_uris, scopes, grant_types, token_endpoint_auth_method, status, secret_expires_at, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client Client
	var redirectURIs, scopes, grants []string
	var secretHash sql.NullString
	var authMethod, status string
	var secretExpiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID,
		&client.UserID,
		&client.Name,
		&secretHash,
		pq.Array(&redirectURIs),
		pq.Array(&scopes),
		pq.Array(&grants),
		&authMethod,
		&status,
		&secretExpiresAt,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	client.SecretHash = secretHash.String
	client.RedirectURIs = redirectURIs
	client.Scopes = scopes
	client.GrantTypes = make([]GrantType, len(grants))
	for i, g := range grants {
		client.GrantTypes[i] = GrantType(g)
	}
	client.TokenEndpointAuthMethod = AuthMethod(authMethod)
	client.Status = ClientStatus(status)
	if secretExpiresAt.Valid {
		client.SecretExpiresAt = secretExpiresAt.Time
	}
	return &client, nil
}

// DeleteClient removes a client registration.
func (s *PostgresStore) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	return err
}

// SaveAuthRequest stores a pending authorization request in Redis or Postgres.
func (s *PostgresStore) SaveAuthRequest(ctx context.Context, req *AuthRequest) error {
	if s.redis != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("oauth:req:%s", req.RequestID)
		return s.redis.Set(ctx, key, payload, time.Until(req.ExpiresAt)).Err()
	}

	query := `
		INSERT INTO oauth_auth_requests
			(request_id, client_id, redirect_uri, scopes, state, resource, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		req.RequestID,
		req.ClientID,
		req.RedirectURI,
		pq.Array(req.Scopes),
		req.State,
		req.Resource,
		req.CodeChallenge,
		req.CodeChallengeMethod,
		req.CreatedAt,
		req.ExpiresAt,
	)
	return err
}

// GetAuthRequest retrieves a pending authorization request.
func (s *PostgresStore) GetAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error) {
	if s.redis != nil {
		key := fmt.Sprintf("oauth:req:%s", requestID)
		val, err := s.redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var req AuthRequest
		if err := json.Unmarshal([]byte(val), &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	query := `
		SELECT request_id, client_id, redirect_uri, scopes, state, resource, code_challenge, code_challenge_method, created_at, expires_at
		FROM oauth_auth_requests
		WHERE request_id = $1
	`
	var req AuthRequest
	var scopes []string
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&req.RequestID,
		&req.ClientID,
		&req.RedirectURI,
		pq.Array(&scopes),
		&req.State,
		&req.Resource,
		&req.CodeChallenge,
		&req.CodeChallengeMethod,
		&req.CreatedAt,
		&req.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.Scopes = scopes
	return &req, nil
}

// DeleteAuthRequest drops a pending authorization request.
func (s *PostgresStore) DeleteAuthRequest(ctx context.Context, requestID string) error {
	if s.redis != nil {
		return s.redis.Del(ctx, fmt.Sprintf("oauth:req:%s", requestID)).Err()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_auth_requests WHERE request_id = $1`, requestID)
	return err
}

// SaveAuthorizationCode stores a code record keyed by its hash.
func (s *PostgresStore) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if s.redis != nil {
		payload, err := json.Marshal(code)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("oauth:code:%s", code.CodeHash)
		return s.redis.Set(ctx, key, payload, time.Until(code.ExpiresAt)).Err()
	}

	query := `
		INSERT INTO oauth_authorization_codes
			(id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, state, resource, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		code.ID,
		code.CodeHash,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		pq.Array(code.Scopes),
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.State,
		code.Resource,
		code.CreatedAt,
		code.ExpiresAt,
	)
	return err
}

// GetAuthorizationCode reads a code record without consuming it.
func (s *PostgresStore) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, fmt.Sprintf("oauth:code:%s", codeHash)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var code AuthorizationCode
		if err := json.Unmarshal([]byte(val), &code); err != nil {
			return nil, err
		}
		return &code, nil
	}

	query := selectCodeColumns + ` WHERE code_hash = $1`
	row := s.db.QueryRowContext(ctx, query, codeHash)
	return scanCode(row)
}

// ConsumeAuthorizationCode marks a code consumed in a single atomic step.
// Redis uses GETDEL; Postgres uses a conditional UPDATE ... RETURNING so a
// second concurrent consumer matches zero rows.
func (s *PostgresStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (*AuthorizationCode, error) {
	if s.redis != nil {
		val, err := s.redis.GetDel(ctx, fmt.Sprintf("oauth:code:%s", codeHash)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var code AuthorizationCode
		if err := json.Unmarshal([]byte(val), &code); err != nil {
			return nil, err
		}
		consumed := now
		code.ConsumedAt = &consumed
		return &code, nil
	}

	query := `
		UPDATE oauth_authorization_codes
		SET consumed_at = $2
		WHERE code_hash = $1 AND consumed_at IS NULL
		RETURNING id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, state, resource, created_at, expires_at, consumed_at
	`
	row := s.db.QueryRowContext(ctx, query, codeHash, now)
	return scanCode(row)
}

// DeleteAuthorizationCodesBefore reaps codes that expired or were consumed
// before the cutoff. Redis entries expire on their own.
func (s *PostgresStore) DeleteAuthorizationCodesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.redis != nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE expires_at < $1 OR consumed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveToken persists a token record.
func (s *PostgresStore) SaveToken(ctx context.Context, token *Token) error {
	query := `
		INSERT INTO oauth_tokens
			(id, client_id, user_id, token_type, secret_hash, scopes, linked_refresh_token_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		token.ID,
		token.ClientID,
		token.UserID,
		string(token.Type),
		token.SecretHash,
		pq.Array(token.Scopes),
		nullableString(token.LinkedRefreshTokenID),
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

// GetTokenByHash looks a token up by the hash of its presented secret.
func (s *PostgresStore) GetTokenByHash(ctx context.Context, secretHash string) (*Token, error) {
	query := `
		SELECT id, client_id, user_id, token_type, secret_hash, scopes, linked_refresh_token_id, created_at, expires_at, revoked_at
		FROM oauth_tokens
		WHERE secret_hash = $1
	`
	var token Token
	var tokenType string
	var scopes []string
	var linked sql.NullString
	var revokedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, secretHash).Scan(
		&token.ID,
		&token.ClientID,
		&token.UserID,
		&tokenType,
		&token.SecretHash,
		pq.Array(&scopes),
		&linked,
		&token.CreatedAt,
		&token.ExpiresAt,
		&revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	token.Type = TokenType(tokenType)
	token.Scopes = scopes
	token.LinkedRefreshTokenID = linked.String
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

// RevokeTokenByID marks a token revoked. Returns whether a live token was hit.
func (s *PostgresStore) RevokeTokenByID(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, tokenID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeTokenFamily revokes a refresh token and every access token linked to it.
func (s *PostgresStore) RevokeTokenFamily(ctx context.Context, refreshTokenID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET revoked_at = $2
		WHERE revoked_at IS NULL AND (id = $1 OR linked_refresh_token_id = $1)
	`, refreshTokenID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteTokensBefore hard-deletes tokens expired or revoked before the cutoff.
func (s *PostgresStore) DeleteTokensBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < $1 OR revoked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveAPIKey persists a static API key record.
func (s *PostgresStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO gateway_api_keys (id, user_id, key_name, key_hash, modules, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := s.db.ExecContext(ctx, query, key.ID, key.UserID, key.Name, key.KeyHash, pq.Array(key.Modules), key.CreatedAt)
	return err
}

// GetAPIKeyByHash looks up an API key by the hash of the presented key.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, user_id, key_name, key_hash, modules, created_at, revoked_at
		FROM gateway_api_keys
		WHERE key_hash = $1
	`
	var key APIKey
	var modules []string
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.UserID, &key.Name, &key.KeyHash, pq.Array(&modules), &key.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key.Modules = modules
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return &key, nil
}

const selectCodeColumns = `
	SELECT id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, state, resource, created_at, expires_at, consumed_at
	FROM oauth_authorization_codes`

func scanCode(row *sql.Row) (*AuthorizationCode, error) {
	var code AuthorizationCode
	var scopes []string
	var consumedAt sql.NullTime
	err := row.Scan(
		&code.ID,
		&code.CodeHash,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		pq.Array(&scopes),
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.State,
		&code.Resource,
		&code.CreatedAt,
		&code.ExpiresAt,
		&consumedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	code.Scopes = scopes
	if consumedAt.Valid {
		code.ConsumedAt = &consumedAt.Time
	}
	return &code, nil
}

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		client_name TEXT NOT NULL,
		secret_hash TEXT,
		redirect_uris TEXT[] NOT NULL,
		scopes TEXT[] NOT NULL,
		grant_types TEXT[] NOT NULL,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		secret_expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_auth_requests (
		request_id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scopes TEXT[] NOT NULL,
		state TEXT,
		resource TEXT,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		id VARCHAR(255) NOT NULL,
		code_hash TEXT PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		scopes TEXT[] NOT NULL,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		state TEXT,
		resource TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL,
		consumed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		token_type VARCHAR(10) NOT NULL,
		secret_hash TEXT NOT NULL UNIQUE,
		scopes TEXT[] NOT NULL,
		linked_refresh_token_id VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS gateway_api_keys (
		id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		key_name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		modules TEXT[] NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		revoked_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_auth_requests_expires ON oauth_auth_requests(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_authorization_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires ON oauth_tokens(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_linked ON oauth_tokens(linked_refresh_token_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user ON oauth_tokens(user_id);
	`

	_, err := s.db.Exec(query)
	return err
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullableTime(val time.Time) sql.NullTime {
	if val.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: val, Valid: true}
}
