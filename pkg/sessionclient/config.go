package sessionclient

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds every network call issued by the client.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultTenantHeader carries the active school on business requests.
	DefaultTenantHeader = "X-School-ID"
	// DefaultSimpleContextTTL is how long the who-am-I response stays cached.
	DefaultSimpleContextTTL = 5 * time.Minute
	// DefaultTenantCookieDays is the lifetime of the active school and role cookies.
	DefaultTenantCookieDays = 30

	// CSRFHeaderName is the header the server checks on mutating requests.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFCookieName is the non-HttpOnly cookie mirroring the CSRF token.
	CSRFCookieName = "XSRF-TOKEN"
	// TenantCookieName holds the active school id in the durable cookie scope.
	TenantCookieName = "active_school_id"
	// RoleCookieName holds the active role in the durable cookie scope.
	RoleCookieName = "active_role"
	// RequestIDHeaderName correlates an original request with its replays.
	RequestIDHeaderName = "X-Request-ID"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, for example https://school.example.com/api.
	BaseURL string
	// HTTPClient is copied; its Jar and Timeout are filled from this Config.
	HTTPClient *http.Client
	// Jar is the durable cookie scope. A fresh in-memory jar is used when nil.
	Jar http.CookieJar
	// TabStorage is the per-tab volatile scope. MemoryStorage is used when nil.
	TabStorage       Storage
	RequestTimeout   time.Duration
	TenantHeader     string
	SimpleContextTTL time.Duration
	TenantCookieDays int
	// StartPath is the location the client starts on; login and logout paths start
	// with the refresh guard disabled.
	StartPath string
	Logger    *zap.Logger
	Metrics   MetricsRecorder
	Clock     Clock
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
