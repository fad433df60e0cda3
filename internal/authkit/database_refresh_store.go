package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/tsession/internal/dbdialect"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore keeps refresh tokens in a GORM-managed refresh_tokens
// table (sqlite or postgres).
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// NewDatabaseRefreshTokenStore opens databaseURL and migrates the refresh_tokens table.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, openErr := dbdialect.Open(databaseURL)
	if openErr != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, refreshStoreError("migrate", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{db: gormDB, driverLabel: driverLabel, clock: clockOrSystem(clock)}, nil
}

// Driver reports the dialect label, e.g. sqlite.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseRefreshTokenStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return refreshStoreError("close", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	record, opaqueToken, err := newRefreshTokenRecord(store.clock.Now(), applicationUserID, expiresUnix, previousTokenID)
	if err != nil {
		return "", "", refreshStoreError("issue", store.driverLabel, err)
	}
	if createErr := store.db.WithContext(ctx).Create(record).Error; createErr != nil {
		return "", "", refreshStoreError("issue", store.driverLabel, createErr)
	}
	return record.TokenID, opaqueToken, nil
}

func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	record, findErr := store.find(store.db.WithContext(ctx), "token_hash = ?", hashOpaque(tokenOpaque))
	if findErr != nil {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, findErr)
	}
	if statusErr := record.status(store.clock.Now()); statusErr != nil {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, statusErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke stamps revoked_at_unix. The conditional update makes the first concurrent
// revoke the only one that succeeds.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	revokeErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&refreshTokenRecord{}).
			Where("token_id = ? AND revoked_at_unix = 0", tokenID).
			Update("revoked_at_unix", store.clock.Now().Unix())
		if result.Error != nil || result.RowsAffected > 0 {
			return result.Error
		}
		if _, findErr := store.find(transaction, "token_id = ?", tokenID); findErr != nil {
			return findErr
		}
		return ErrRefreshTokenAlreadyRevoked
	})
	if revokeErr != nil {
		return refreshStoreError("revoke", store.driverLabel, revokeErr)
	}
	return nil
}

func (store *DatabaseRefreshTokenStore) find(query *gorm.DB, condition string, value string) (*refreshTokenRecord, error) {
	var record refreshTokenRecord
	err := query.Where(condition, value).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
