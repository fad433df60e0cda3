package authkit

import (
	"errors"
	"fmt"
	"time"
)

// Refresh store failures. Every store wraps them as refresh_store.<op>.<driver>.
var (
	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
)

// refreshTokenRecord is one issued refresh token. Only the SHA-256 of the opaque value
// is kept; PreviousTokenID links a rotation chain back to the login that started it.
type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// newRefreshTokenRecord draws a fresh opaque token and returns it with its record.
func newRefreshTokenRecord(now time.Time, applicationUserID string, expiresUnix int64, previousTokenID string) (*refreshTokenRecord, string, error) {
	opaqueToken, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return nil, "", err
	}
	return &refreshTokenRecord{
		TokenID:         newRefreshTokenID(now),
		UserID:          applicationUserID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now.Unix(),
	}, opaqueToken, nil
}

// status reports why the record can no longer be exchanged, or nil.
func (record *refreshTokenRecord) status(now time.Time) error {
	switch {
	case record.RevokedAtUnix != 0:
		return ErrRefreshTokenRevoked
	case time.Unix(record.ExpiresUnix, 0).Before(now):
		return ErrRefreshTokenExpired
	default:
		return nil
	}
}

func refreshStoreError(operation string, driverLabel string, err error) error {
	return fmt.Errorf("refresh_store.%s.%s: %w", operation, driverLabel, err)
}
