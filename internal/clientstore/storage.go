// Package clientstore keeps session client state between CLI invocations: the per-tab
// values in a GORM table and the cookie jar in another, both keyed by profile.
package clientstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/tsession/internal/dbdialect"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

type storedValue struct {
	Profile string `gorm:"column:profile;primaryKey"`
	Key     string `gorm:"column:value_key;primaryKey"`
	Value   string `gorm:"column:value;not null"`
}

func (storedValue) TableName() string {
	return "client_values"
}

// Store owns the database handle shared by DatabaseStorage and PersistentJar.
type Store struct {
	db          *gorm.DB
	driverLabel string
	logger      *zap.Logger
}

// Open connects to stateURL (sqlite:// or postgres://) and migrates the client tables.
func Open(ctx context.Context, stateURL string, logger *zap.Logger) (*Store, error) {
	gormDB, driverLabel, openErr := dbdialect.Open(stateURL)
	if openErr != nil {
		return nil, fmt.Errorf("clientstore.open: %w", openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&storedValue{}, &storedCookie{}); migrateErr != nil {
		return nil, fmt.Errorf("clientstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: gormDB, driverLabel: driverLabel, logger: logger}, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DatabaseStorage implements sessionclient.Storage on the client_values table. The
// interface has no error returns, so failures are logged and reads report absence.
type DatabaseStorage struct {
	store   *Store
	profile string
}

// Storage returns the value scope of profile.
func (store *Store) Storage(profile string) *DatabaseStorage {
	return &DatabaseStorage{store: store, profile: profileOrDefault(profile)}
}

// Get returns the stored value for key.
func (storage *DatabaseStorage) Get(key string) (string, bool) {
	var row storedValue
	err := storage.store.db.Where("profile = ? AND value_key = ?", storage.profile, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false
	}
	if err != nil {
		storage.store.logger.Warn("client value read failed",
			zap.String("code", "clientstore.value.read_failed"),
			zap.String("key", key),
			zap.Error(err))
		return "", false
	}
	return row.Value, true
}

// Set upserts key.
func (storage *DatabaseStorage) Set(key string, value string) {
	row := storedValue{Profile: storage.profile, Key: key, Value: value}
	err := storage.store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}, {Name: "value_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		storage.store.logger.Warn("client value write failed",
			zap.String("code", "clientstore.value.write_failed"),
			zap.String("key", key),
			zap.Error(err))
	}
}

// Remove deletes key; removing an absent key is not an error.
func (storage *DatabaseStorage) Remove(key string) {
	err := storage.store.db.Where("profile = ? AND value_key = ?", storage.profile, key).Delete(&storedValue{}).Error
	if err != nil {
		storage.store.logger.Warn("client value delete failed",
			zap.String("code", "clientstore.value.delete_failed"),
			zap.String("key", key),
			zap.Error(err))
	}
}

func profileOrDefault(profile string) string {
	if trimmed := strings.TrimSpace(profile); trimmed != "" {
		return trimmed
	}
	return DefaultProfile
}
