package authkit

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// issueCSRFToken mints a token and mirrors it into the readable CSRF cookie.
func issueCSRFToken(contextGin *gin.Context, configuration ServerConfig) (string, error) {
	token, err := randomURLToken(csrfTokenByteLength)
	if err != nil {
		return "", err
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Secure:   configuration.secureCookies(),
		HttpOnly: false,
		SameSite: configuration.SameSiteMode,
	})
	return token, nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// RequireCSRF enforces the double-submit check on mutating requests: the CSRF header
// must equal the CSRF cookie.
func RequireCSRF(configuration ServerConfig, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	configuration = configuration.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics = metricsOrNoop(metrics)
	return func(contextGin *gin.Context) {
		if isSafeMethod(contextGin.Request.Method) {
			contextGin.Next()
			return
		}
		headerToken := strings.TrimSpace(contextGin.GetHeader(configuration.CSRFHeaderName))
		cookieToken := ""
		if cookie, cookieErr := contextGin.Request.Cookie(configuration.CSRFCookieName); cookieErr == nil && cookie != nil {
			cookieToken = strings.TrimSpace(cookie.Value)
		}
		if headerToken == "" || cookieToken == "" || subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
			metrics.Increment(metricCSRFRejected)
			logger.Debug("csrf check failed",
				zap.String("code", "auth.csrf.mismatch"),
				zap.String("path", contextGin.FullPath()),
				zap.Bool("header_present", headerToken != ""),
				zap.Bool("cookie_present", cookieToken != ""))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_mismatch"})
			return
		}
		contextGin.Next()
	}
}
