package sessionclient

import (
	"net/http"
	"strings"
)

// Endpoint paths relative to the API base URL.
const (
	PathCSRF          = "/auth/csrf"
	PathLogin         = "/auth/login"
	PathGoogleLogin   = "/auth/google"
	PathRefresh       = "/auth/refresh-token"
	PathLogout        = "/auth/logout"
	PathSimpleContext = "/auth/me/simple-context"

	authNamespace = "/auth"
)

var guardedLocations = []string{"/login", "/logout", PathLogin, PathLogout}

// pathClass is the classification the pipeline derives from a normalized path.
type pathClass struct {
	Path     string
	RawQuery string
	// IsAuth marks anything under /auth; such requests get no CSRF or tenant headers.
	IsAuth    bool
	IsLogin   bool
	IsRefresh bool
	// IsSessionEndpoint marks login, refresh, logout and csrf: never a bearer, never recovered.
	IsSessionEndpoint bool
}

func classifyPath(apiPrefix string, rawPath string) pathClass {
	pathPart, rawQuery, _ := strings.Cut(strings.TrimSpace(rawPath), "?")
	normalized := normalizePath(apiPrefix, pathPart)
	class := pathClass{Path: normalized, RawQuery: rawQuery}
	class.IsAuth = normalized == authNamespace || strings.HasPrefix(normalized, authNamespace+"/")
	class.IsLogin = normalized == PathLogin || normalized == PathGoogleLogin
	class.IsRefresh = normalized == PathRefresh
	class.IsSessionEndpoint = class.IsLogin || class.IsRefresh || normalized == PathLogout || normalized == PathCSRF
	return class
}

// normalizePath strips every leading copy of the API prefix a caller may have included.
func normalizePath(apiPrefix string, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	apiPrefix = strings.TrimSuffix(apiPrefix, "/")
	if apiPrefix == "" {
		return path
	}
	for path == apiPrefix || strings.HasPrefix(path, apiPrefix+"/") {
		path = strings.TrimPrefix(path, apiPrefix)
		if path == "" {
			path = "/"
		}
	}
	return path
}

func isSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// IsLoginPath reports whether location is a login or logout screen, where automatic
// refresh must stay off.
func IsLoginPath(location string) bool {
	pathPart, _, _ := strings.Cut(strings.TrimSpace(location), "?")
	pathPart = strings.ToLower(pathPart)
	for _, guarded := range guardedLocations {
		if pathPart == guarded || strings.HasPrefix(pathPart, guarded+"/") {
			return true
		}
	}
	return false
}
