package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	refreshOpaqueByteLength = 32
	csrfTokenByteLength     = 32
)

var refreshTokenRandomSource io.Reader = rand.Reader

func newRefreshTokenID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.NewString()
}

func randomURLToken(byteLength int) (string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("auth.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

func generateRefreshOpaque() (string, string, error) {
	opaque, err := randomURLToken(refreshOpaqueByteLength)
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
