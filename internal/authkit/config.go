package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultRefreshCookieName = "app_refresh"
	DefaultCSRFCookieName    = "XSRF-TOKEN"
	DefaultCSRFHeaderName    = "X-CSRF-Token"
	DefaultTenantHeader      = "X-School-ID"
	DefaultIssuer            = "tsession"
	DefaultNonceTTL          = 5 * time.Minute
)

var (
	errMissingSigningKey = errors.New("auth.config.missing_signing_key")
	errInvalidSessionTTL = errors.New("auth.config.invalid_session_ttl")
	errInvalidRefreshTTL = errors.New("auth.config.invalid_refresh_ttl")
)

// ServerConfig configures issuers, cookies, and TTLs of the session endpoints.
type ServerConfig struct {
	GoogleWebClientID string
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	RefreshCookieName string
	// RefreshCookiePath scopes the refresh cookie to the auth routes, e.g. /api/auth.
	RefreshCookiePath  string
	CSRFCookieName     string
	CSRFHeaderName     string
	TenantHeader       string
	SessionTTL         time.Duration
	RefreshTTL         time.Duration
	NonceTTL           time.Duration
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
	LoginRatePerMinute int
}

// WithDefaults fills unset names and modes.
func (configuration ServerConfig) WithDefaults() ServerConfig {
	if strings.TrimSpace(configuration.AppJWTIssuer) == "" {
		configuration.AppJWTIssuer = DefaultIssuer
	}
	if configuration.RefreshCookieName == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	if configuration.RefreshCookiePath == "" {
		configuration.RefreshCookiePath = "/"
	}
	if configuration.CSRFCookieName == "" {
		configuration.CSRFCookieName = DefaultCSRFCookieName
	}
	if configuration.CSRFHeaderName == "" {
		configuration.CSRFHeaderName = DefaultCSRFHeaderName
	}
	if configuration.TenantHeader == "" {
		configuration.TenantHeader = DefaultTenantHeader
	}
	if configuration.NonceTTL <= 0 {
		configuration.NonceTTL = DefaultNonceTTL
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteLaxMode
	}
	return configuration
}

// Validate reports the first unusable setting.
func (configuration ServerConfig) Validate() error {
	if len(configuration.AppJWTSigningKey) == 0 {
		return fmt.Errorf("auth.config: %w", errMissingSigningKey)
	}
	if configuration.SessionTTL <= 0 {
		return fmt.Errorf("auth.config: %w", errInvalidSessionTTL)
	}
	if configuration.RefreshTTL <= 0 {
		return fmt.Errorf("auth.config: %w", errInvalidRefreshTTL)
	}
	return nil
}

func (configuration ServerConfig) secureCookies() bool {
	return !configuration.AllowInsecureHTTP
}
