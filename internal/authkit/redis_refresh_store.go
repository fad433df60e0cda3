package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "tsession:refresh:"
	// revoked and expired records stay readable this long past their expiry.
	redisRecordRetention = 24 * time.Hour

	redisFieldUserID        = "user_id"
	redisFieldTokenHash     = "token_hash"
	redisFieldExpiresUnix   = "expires_unix"
	redisFieldPreviousToken = "previous_token_id"
	redisFieldIssuedAtUnix  = "issued_at_unix"
	redisFieldRevokedAtUnix = "revoked_at_unix"
)

// RedisRefreshTokenStore keeps rotating refresh tokens in Redis so several server
// instances share them.
type RedisRefreshTokenStore struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
	// ownsClient is set when the store dialed the client itself.
	ownsClient bool
}

// NewRedisRefreshTokenStore wraps client. A nil clock uses wall time.
func NewRedisRefreshTokenStore(client redis.UniversalClient, clock Clock) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: client,
		prefix: defaultRedisKeyPrefix,
		clock:  clockOrSystem(clock),
	}
}

// Close releases the client when the store opened it.
func (store *RedisRefreshTokenStore) Close() error {
	if !store.ownsClient {
		return nil
	}
	return store.client.Close()
}

func (store *RedisRefreshTokenStore) idKey(tokenID string) string {
	return store.prefix + "id:" + tokenID
}

func (store *RedisRefreshTokenStore) hashKey(hashValue string) string {
	return store.prefix + "hash:" + hashValue
}

// Issue stores a new token record and its hash index with a TTL past expiry.
func (store *RedisRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	now := store.clock.Now()
	record, opaque, err := newRefreshTokenRecord(now, applicationUserID, expiresUnix, previousTokenID)
	if err != nil {
		return "", "", refreshStoreError("issue", DriverRedis, err)
	}
	tokenID := record.TokenID
	retention := time.Unix(expiresUnix, 0).Sub(now)
	if retention < 0 {
		retention = 0
	}
	retention += redisRecordRetention

	_, pipelineErr := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, store.idKey(tokenID), map[string]interface{}{
			redisFieldUserID:        record.UserID,
			redisFieldTokenHash:     record.TokenHash,
			redisFieldExpiresUnix:   record.ExpiresUnix,
			redisFieldPreviousToken: record.PreviousTokenID,
			redisFieldIssuedAtUnix:  record.IssuedAtUnix,
		})
		pipe.Expire(ctx, store.idKey(tokenID), retention)
		pipe.Set(ctx, store.hashKey(record.TokenHash), tokenID, retention)
		return nil
	})
	if pipelineErr != nil {
		return "", "", refreshStoreError("issue", DriverRedis, pipelineErr)
	}
	return tokenID, opaque, nil
}

// Validate resolves an opaque token through the hash index.
func (store *RedisRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", DriverRedis, ErrRefreshTokenEmptyOpaque)
	}
	tokenID, getErr := store.client.Get(ctx, store.hashKey(hashOpaque(tokenOpaque))).Result()
	if errors.Is(getErr, redis.Nil) {
		return "", "", 0, refreshStoreError("validate", DriverRedis, ErrRefreshTokenNotFound)
	}
	if getErr != nil {
		return "", "", 0, refreshStoreError("validate", DriverRedis, getErr)
	}
	record, loadErr := store.load(ctx, tokenID)
	if loadErr != nil {
		return "", "", 0, refreshStoreError("validate", DriverRedis, loadErr)
	}
	if statusErr := record.status(store.clock.Now()); statusErr != nil {
		return "", "", 0, refreshStoreError("validate", DriverRedis, statusErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke stamps the revocation time once; later calls report ErrRefreshTokenAlreadyRevoked.
func (store *RedisRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	exists, existsErr := store.client.Exists(ctx, store.idKey(tokenID)).Result()
	if existsErr != nil {
		return refreshStoreError("revoke", DriverRedis, existsErr)
	}
	if exists == 0 {
		return refreshStoreError("revoke", DriverRedis, ErrRefreshTokenNotFound)
	}
	stamped, stampErr := store.client.HSetNX(ctx, store.idKey(tokenID), redisFieldRevokedAtUnix, store.clock.Now().Unix()).Result()
	if stampErr != nil {
		return refreshStoreError("revoke", DriverRedis, stampErr)
	}
	if !stamped {
		return refreshStoreError("revoke", DriverRedis, ErrRefreshTokenAlreadyRevoked)
	}
	return nil
}

func (store *RedisRefreshTokenStore) load(ctx context.Context, tokenID string) (*refreshTokenRecord, error) {
	fields, err := store.client.HGetAll(ctx, store.idKey(tokenID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrRefreshTokenNotFound
	}
	record := &refreshTokenRecord{
		TokenID:         tokenID,
		UserID:          fields[redisFieldUserID],
		TokenHash:       fields[redisFieldTokenHash],
		PreviousTokenID: fields[redisFieldPreviousToken],
	}
	if record.ExpiresUnix, err = parseUnixField(fields, redisFieldExpiresUnix); err != nil {
		return nil, err
	}
	if record.IssuedAtUnix, err = parseUnixField(fields, redisFieldIssuedAtUnix); err != nil {
		return nil, err
	}
	if record.RevokedAtUnix, err = parseUnixField(fields, redisFieldRevokedAtUnix); err != nil {
		return nil, err
	}
	return record, nil
}

func parseUnixField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.redis.field.%s: %w", name, err)
	}
	return value, nil
}
