package web

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

const corsPreflightMaxAge = 12 * time.Hour

// ConfigureCORS lets browser clients on allowedOrigins call the API with credentials.
// The bearer, CSRF and tenant headers sent by the session client are admitted, and the
// bearer challenge and correlation id are readable by scripts.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string, csrfHeaderName string, tenantHeader string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(allowedOrigins)
	if err != nil {
		return nil, err
	}
	for _, origin := range origins {
		if parsed, _ := url.Parse(origin); parsed.Scheme == "http" && !isLoopbackHost(parsed.Hostname()) {
			logger.Warn("cross-origin session cookies over plain http",
				zap.String("code", "web.cors.insecure_origin"),
				zap.String("origin", origin))
		}
	}

	allowHeaders := []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"}
	for _, header := range []string{csrfHeaderName, tenantHeader} {
		if trimmed := strings.TrimSpace(header); trimmed != "" && !slices.Contains(allowHeaders, trimmed) {
			allowHeaders = append(allowHeaders, trimmed)
		}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"Content-Type", "X-Request-ID", "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	}), nil
}

// normalizeOrigins reduces each entry to scheme://host[:port], drops blanks and
// duplicates, and returns the result sorted.
func normalizeOrigins(allowed []string) ([]string, error) {
	origins := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	slices.Sort(origins)
	return slices.Compact(origins), nil
}

func normalizeOrigin(origin string) (string, error) {
	if origin == "*" {
		return "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(origin)
	switch {
	case parseErr != nil || parsed.Host == "":
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	case parsed.Path != "" && parsed.Path != "/":
		return "", fmt.Errorf("%w: %s has a path", errInvalidOrigin, origin)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", fmt.Errorf("%w: %s has userinfo, query or fragment", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: %s must be http or https", errInvalidOrigin, origin)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
