package authkit

import (
	"context"
	"strings"
	"sync"
)

// MemoryRefreshTokenStore keeps refresh tokens in process memory; tokens do not
// survive a restart.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  Clock
	byID   map[string]*refreshTokenRecord
	byHash map[string]string
}

// NewMemoryRefreshTokenStore creates an empty in-memory store. A nil clock uses wall time.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		clock:  clockOrSystem(clock),
		byID:   make(map[string]*refreshTokenRecord),
		byHash: make(map[string]string),
	}
}

func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	record, opaqueToken, err := newRefreshTokenRecord(store.clock.Now(), applicationUserID, expiresUnix, previousTokenID)
	if err != nil {
		return "", "", refreshStoreError("issue", DriverMemory, err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byID[record.TokenID] = record
	store.byHash[record.TokenHash] = record.TokenID
	return record.TokenID, opaqueToken, nil
}

func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", DriverMemory, ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[store.byHash[hashOpaque(tokenOpaque)]]
	if record == nil {
		return "", "", 0, refreshStoreError("validate", DriverMemory, ErrRefreshTokenNotFound)
	}
	if statusErr := record.status(store.clock.Now()); statusErr != nil {
		return "", "", 0, refreshStoreError("validate", DriverMemory, statusErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked; a second revoke of the same token fails.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	switch {
	case record == nil:
		return refreshStoreError("revoke", DriverMemory, ErrRefreshTokenNotFound)
	case record.RevokedAtUnix != 0:
		return refreshStoreError("revoke", DriverMemory, ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = store.clock.Now().Unix()
	return nil
}
