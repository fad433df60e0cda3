package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tsession/internal/dbdialect"
)

const postgresRefreshSchema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    token_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0,
    previous_token_id TEXT NOT NULL DEFAULT '',
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens (user_id);
`

// PostgresRefreshTokenStore persists rotating refresh tokens in PostgreSQL through a
// pgx pool.
type PostgresRefreshTokenStore struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgresRefreshTokenStore connects to databaseURL, verifies the connection, and
// creates the refresh_tokens table when missing.
func NewPostgresRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*PostgresRefreshTokenStore, error) {
	pool, poolErr := buildPostgresPool(ctx, databaseURL)
	if poolErr != nil {
		return nil, refreshStoreError("open", dbdialect.DriverPostgres, poolErr)
	}
	if pingErr := pool.Ping(ctx); pingErr != nil {
		pool.Close()
		return nil, refreshStoreError("open", dbdialect.DriverPostgres, pingErr)
	}
	if _, schemaErr := pool.Exec(ctx, postgresRefreshSchema); schemaErr != nil {
		pool.Close()
		return nil, refreshStoreError("migrate", dbdialect.DriverPostgres, schemaErr)
	}
	return &PostgresRefreshTokenStore{pool: pool, clock: clockOrSystem(clock)}, nil
}

func buildPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// Close releases the pool.
func (store *PostgresRefreshTokenStore) Close() error {
	store.pool.Close()
	return nil
}

// Issue inserts a new token row and returns token id and opaque token.
func (store *PostgresRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	record, opaqueToken, err := newRefreshTokenRecord(store.clock.Now(), applicationUserID, expiresUnix, previousTokenID)
	if err != nil {
		return "", "", refreshStoreError("issue", dbdialect.DriverPostgres, err)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_unix, revoked_at_unix, previous_token_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, record.TokenID, record.UserID, record.TokenHash, record.ExpiresUnix, record.PreviousTokenID, record.IssuedAtUnix)
	if execErr != nil {
		return "", "", refreshStoreError("issue", dbdialect.DriverPostgres, execErr)
	}
	return record.TokenID, opaqueToken, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *PostgresRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", dbdialect.DriverPostgres, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	row := store.pool.QueryRow(ctx, `
SELECT user_id, token_id, expires_unix, revoked_at_unix
FROM refresh_tokens
WHERE token_hash = $1
`, hashOpaque(tokenOpaque))
	if scanErr := row.Scan(&record.UserID, &record.TokenID, &record.ExpiresUnix, &record.RevokedAtUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", "", 0, refreshStoreError("validate", dbdialect.DriverPostgres, ErrRefreshTokenNotFound)
		}
		return "", "", 0, refreshStoreError("validate", dbdialect.DriverPostgres, scanErr)
	}
	if statusErr := record.status(store.clock.Now()); statusErr != nil {
		return "", "", 0, refreshStoreError("validate", dbdialect.DriverPostgres, statusErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked; only the first revoke of a token succeeds.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	commandTag, execErr := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, store.clock.Now().Unix(), tokenID)
	if execErr != nil {
		return refreshStoreError("revoke", dbdialect.DriverPostgres, execErr)
	}
	if commandTag.RowsAffected() > 0 {
		return nil
	}
	var exists int
	scanErr := store.pool.QueryRow(ctx, `SELECT 1 FROM refresh_tokens WHERE token_id = $1`, tokenID).Scan(&exists)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return refreshStoreError("revoke", dbdialect.DriverPostgres, ErrRefreshTokenNotFound)
	}
	if scanErr != nil {
		return refreshStoreError("revoke", dbdialect.DriverPostgres, scanErr)
	}
	return refreshStoreError("revoke", dbdialect.DriverPostgres, ErrRefreshTokenAlreadyRevoked)
}
