package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	nonceByteLength       = 32
	defaultNonceKeyPrefix = "tsession:nonce:"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was never issued or was already consumed.
	ErrNonceNotFound = errors.New("auth.nonce.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("auth.nonce.expired")
)

// NonceStore issues one-time nonces binding a Google ID token to a sign-in attempt.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, token string) error
}

// NonceStoreFor shares the refresh store's Redis client when there is one, so every
// instance behind a load balancer accepts the nonce it did not issue.
func NonceStoreFor(refreshTokens RefreshTokenStore, ttl time.Duration, clock Clock) NonceStore {
	if redisStore, isRedis := refreshTokens.(*RedisRefreshTokenStore); isRedis {
		return NewRedisNonceStore(redisStore.client, ttl, clock)
	}
	return NewMemoryNonceStore(ttl, clock)
}

func nonceDeadline(now time.Time, expiry time.Time) error {
	if now.After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

type memoryNonceStore struct {
	mutex    sync.Mutex
	deadline map[string]time.Time
	ttl      time.Duration
	clock    Clock
}

// NewMemoryNonceStore constructs an in-memory NonceStore. A nil clock uses wall time.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) NonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &memoryNonceStore{deadline: map[string]time.Time{}, ttl: ttl, clock: clockOrSystem(clock)}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomURLToken(nonceByteLength)
	if err != nil {
		return "", fmt.Errorf("auth.nonce.issue: %w", err)
	}
	now := store.clock.Now()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for pending, expiry := range store.deadline {
		if now.After(expiry) {
			delete(store.deadline, pending)
		}
	}
	store.deadline[token] = now.Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	key := strings.TrimSpace(token)
	store.mutex.Lock()
	expiry, issued := store.deadline[key]
	delete(store.deadline, key)
	store.mutex.Unlock()
	if !issued {
		return ErrNonceNotFound
	}
	return nonceDeadline(store.clock.Now(), expiry)
}

// RedisNonceStore keeps nonces as keys holding their deadline; GETDEL makes
// consumption single-use across instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  Clock
}

func NewRedisNonceStore(client redis.UniversalClient, ttl time.Duration, clock Clock) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{client: client, prefix: defaultNonceKeyPrefix, ttl: ttl, clock: clockOrSystem(clock)}
}

func (store *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomURLToken(nonceByteLength)
	if err != nil {
		return "", fmt.Errorf("auth.nonce.issue: %w", err)
	}
	expiry := store.clock.Now().Add(store.ttl)
	if setErr := store.client.Set(ctx, store.prefix+token, expiry.Unix(), store.ttl+time.Minute).Err(); setErr != nil {
		return "", fmt.Errorf("auth.nonce.issue.redis: %w", setErr)
	}
	return token, nil
}

func (store *RedisNonceStore) Consume(ctx context.Context, token string) error {
	key := strings.TrimSpace(token)
	if key == "" {
		return ErrNonceNotFound
	}
	raw, getErr := store.client.GetDel(ctx, store.prefix+key).Result()
	if errors.Is(getErr, redis.Nil) {
		return ErrNonceNotFound
	}
	if getErr != nil {
		return fmt.Errorf("auth.nonce.consume.redis: %w", getErr)
	}
	expiryUnix, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return fmt.Errorf("auth.nonce.consume.redis: %w", parseErr)
	}
	return nonceDeadline(store.clock.Now(), time.Unix(expiryUnix, 0))
}
