package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tsession/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	googleIssuerHTTPS = "https://accounts.google.com"
	googleIssuerBare  = "accounts.google.com"
)

var (
	errMissingUserStore    = errors.New("auth.routes.missing_user_store")
	errMissingRefreshStore = errors.New("auth.routes.missing_refresh_store")
)

// RouteDependencies are the collaborators of the session endpoints. Nonces, Clock,
// Metrics and Logger fall back to in-memory, wall-clock, no-op and no-op values.
// A nil GoogleValidator disables Google sign-in.
type RouteDependencies struct {
	Users           UserStore
	RefreshTokens   RefreshTokenStore
	Nonces          NonceStore
	GoogleValidator GoogleTokenValidator
	Clock           Clock
	Metrics         MetricsRecorder
	Logger          *zap.Logger
}

type authHandlers struct {
	configuration ServerConfig
	users         UserStore
	refreshTokens RefreshTokenStore
	nonces        NonceStore
	google        GoogleTokenValidator
	clock         Clock
	metrics       MetricsRecorder
	logger        *zap.Logger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginRequest struct {
	GoogleIDToken string `json:"google_id_token"`
	Nonce         string `json:"nonce"`
}

type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// MountAuthRoutes registers the session endpoints under router:
// GET /auth/csrf, POST /auth/nonce, POST /auth/login, POST /auth/google,
// POST /auth/refresh-token, POST /auth/logout and GET /auth/me/simple-context.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) error {
	configuration = configuration.WithDefaults()
	if err := configuration.Validate(); err != nil {
		return err
	}
	if dependencies.Users == nil {
		return errMissingUserStore
	}
	if dependencies.RefreshTokens == nil {
		return errMissingRefreshStore
	}
	clock := clockOrSystem(dependencies.Clock)
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nonces := dependencies.Nonces
	if nonces == nil {
		nonces = NewMemoryNonceStore(configuration.NonceTTL, clock)
	}
	validator, validatorErr := NewAccessTokenValidator(configuration, clock)
	if validatorErr != nil {
		return validatorErr
	}
	handlers := &authHandlers{
		configuration: configuration,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		nonces:        nonces,
		google:        dependencies.GoogleValidator,
		clock:         clock,
		metrics:       metricsOrNoop(dependencies.Metrics),
		logger:        logger,
	}
	limiter := newLoginRateLimiter(configuration.LoginRatePerMinute, clock, logger, handlers.metrics)
	csrfGuard := RequireCSRF(configuration, logger, handlers.metrics)

	router.GET("/auth/csrf", handlers.handleCSRF)
	router.POST("/auth/nonce", handlers.handleNonce)
	router.POST("/auth/login", limiter.middleware(), handlers.handleLogin)
	router.POST("/auth/google", limiter.middleware(), handlers.handleGoogle)
	router.POST("/auth/refresh-token", csrfGuard, handlers.handleRefresh)
	router.POST("/auth/logout", csrfGuard, handlers.handleLogout)
	router.GET("/auth/me/simple-context", RequireBearer(validator), handlers.handleSimpleContext)
	return nil
}

func (handlers *authHandlers) handleCSRF(contextGin *gin.Context) {
	token, err := issueCSRFToken(contextGin, handlers.configuration)
	if err != nil {
		handlers.logger.Error("csrf issue failed", zap.String("code", "auth.csrf.issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.metrics.Increment(metricCSRFIssued)
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"csrf_token": token}})
}

func (handlers *authHandlers) handleNonce(contextGin *gin.Context) {
	nonce, err := handlers.nonces.Issue(contextGin.Request.Context())
	if err != nil {
		handlers.logger.Error("nonce issue failed", zap.String("code", "auth.nonce.issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"nonce": nonce}})
}

func (handlers *authHandlers) handleLogin(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.transportAllowed(contextGin) {
		return
	}
	applicationUserID, authErr := handlers.users.AuthenticatePassword(contextGin.Request.Context(), strings.TrimSpace(inbound.Email), inbound.Password)
	if authErr != nil {
		handlers.metrics.Increment(metricLoginFailure)
		if errors.Is(authErr, ErrInvalidCredentials) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		handlers.logger.Error("password login failed", zap.String("code", "auth.login.store_failed"), zap.Error(authErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.startSession(contextGin, applicationUserID)
}

func (handlers *authHandlers) handleGoogle(contextGin *gin.Context) {
	if handlers.google == nil || strings.TrimSpace(handlers.configuration.GoogleWebClientID) == "" {
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "google_sign_in_unavailable"})
		return
	}
	var inbound googleLoginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.transportAllowed(contextGin) {
		return
	}
	requestContext := contextGin.Request.Context()
	if consumeErr := handlers.nonces.Consume(requestContext, inbound.Nonce); consumeErr != nil {
		handlers.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
		return
	}
	payload, validateErr := handlers.google.Validate(requestContext, inbound.GoogleIDToken, handlers.configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.metrics.Increment(metricLoginFailure)
		handlers.logger.Debug("google token rejected", zap.String("code", "auth.google.invalid_token"), zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != googleIssuerHTTPS && issuerValue != googleIssuerBare {
		handlers.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
		return
	}
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if tokenNonce != inbound.Nonce {
		handlers.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce_mismatch"})
		return
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		handlers.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
		return
	}
	applicationUserID, _, upsertErr := handlers.users.UpsertGoogleUser(requestContext, googleSub, userEmail, userDisplayName)
	if upsertErr != nil || applicationUserID == "" {
		handlers.logger.Error("google user upsert failed", zap.String("code", "auth.google.upsert_failed"), zap.Error(upsertErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.startSession(contextGin, applicationUserID)
}

// startSession mints the access token, issues a refresh token, and rotates the CSRF cookie.
func (handlers *authHandlers) startSession(contextGin *gin.Context, applicationUserID string) {
	requestContext := contextGin.Request.Context()
	profile, profileErr := handlers.users.GetUserProfile(requestContext, applicationUserID)
	if profileErr != nil {
		handlers.logger.Error("profile lookup failed", zap.String("code", "auth.login.profile_failed"), zap.Error(profileErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	accessToken, expiresAt, mintErr := handlers.mint(profile)
	if mintErr != nil {
		handlers.logger.Error("token mint failed", zap.String("code", "auth.login.mint_failed"), zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	refreshExpiresAt := handlers.clock.Now().Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.refreshTokens.Issue(requestContext, applicationUserID, refreshExpiresAt.Unix(), "")
	if issueErr != nil {
		handlers.logger.Error("refresh issue failed", zap.String("code", "auth.login.refresh_issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if _, csrfErr := issueCSRFToken(contextGin, handlers.configuration); csrfErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.writeRefreshCookie(contextGin, refreshOpaque, refreshExpiresAt)
	handlers.metrics.Increment(metricLoginSuccess)
	handlers.logger.Info("session started",
		zap.String("code", "auth.login.success"),
		zap.String("user_id", applicationUserID))
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"user":         userView{ID: profile.UserID, Email: profile.Email, Name: profile.Display},
	}})
}

func (handlers *authHandlers) handleRefresh(contextGin *gin.Context) {
	requestContext := contextGin.Request.Context()
	refreshOpaque := handlers.refreshCookieValue(contextGin)
	if refreshOpaque == "" {
		handlers.rejectRefresh(contextGin, "missing refresh cookie", nil)
		return
	}
	applicationUserID, currentTokenID, _, validateErr := handlers.refreshTokens.Validate(requestContext, refreshOpaque)
	if validateErr != nil {
		handlers.rejectRefresh(contextGin, "refresh token rejected", validateErr)
		return
	}
	profile, profileErr := handlers.users.GetUserProfile(requestContext, applicationUserID)
	if profileErr != nil {
		handlers.rejectRefresh(contextGin, "refresh user missing", profileErr)
		return
	}
	if revokeErr := handlers.refreshTokens.Revoke(requestContext, currentTokenID); revokeErr != nil {
		handlers.rejectRefresh(contextGin, "refresh token already rotated", revokeErr)
		return
	}
	refreshExpiresAt := handlers.clock.Now().Add(handlers.configuration.RefreshTTL)
	_, rotatedOpaque, issueErr := handlers.refreshTokens.Issue(requestContext, applicationUserID, refreshExpiresAt.Unix(), currentTokenID)
	if issueErr != nil {
		handlers.logger.Error("refresh rotation failed", zap.String("code", "auth.refresh.issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	accessToken, expiresAt, mintErr := handlers.mint(profile)
	if mintErr != nil {
		handlers.logger.Error("token mint failed", zap.String("code", "auth.refresh.mint_failed"), zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	handlers.writeRefreshCookie(contextGin, rotatedOpaque, refreshExpiresAt)
	handlers.metrics.Increment(metricRefreshSuccess)
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
		"access_token": accessToken,
		"expires_at":   expiresAt,
	}})
}

func (handlers *authHandlers) rejectRefresh(contextGin *gin.Context, message string, cause error) {
	handlers.metrics.Increment(metricRefreshFailure)
	handlers.logger.Debug(message, zap.String("code", "auth.refresh.rejected"), zap.Error(cause))
	handlers.clearRefreshCookie(contextGin)
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "refresh_rejected"})
}

func (handlers *authHandlers) handleLogout(contextGin *gin.Context) {
	requestContext := contextGin.Request.Context()
	if refreshOpaque := handlers.refreshCookieValue(contextGin); refreshOpaque != "" {
		_, tokenID, _, validateErr := handlers.refreshTokens.Validate(requestContext, refreshOpaque)
		if validateErr == nil && tokenID != "" {
			if revokeErr := handlers.refreshTokens.Revoke(requestContext, tokenID); revokeErr != nil {
				handlers.logger.Warn("logout revoke failed", zap.String("code", "auth.logout.revoke_failed"), zap.Error(revokeErr))
			}
		}
	}
	handlers.clearRefreshCookie(contextGin)
	handlers.metrics.Increment(metricLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) handleSimpleContext(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	requestContext := contextGin.Request.Context()
	user := userView{ID: claims.GetUserID(), Email: claims.GetUserEmail(), Name: claims.GetUserDisplayName()}
	if profile, profileErr := handlers.users.GetUserProfile(requestContext, claims.GetUserID()); profileErr == nil {
		user = userView{ID: profile.UserID, Email: profile.Email, Name: profile.Display}
	}
	memberships, listErr := handlers.users.ListMemberships(requestContext, claims.GetUserID())
	if listErr != nil {
		handlers.logger.Error("membership lookup failed", zap.String("code", "auth.context.lookup_failed"), zap.Error(listErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if memberships == nil {
		memberships = []Membership{}
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user":        user,
		"memberships": memberships,
	}})
}

func (handlers *authHandlers) mint(profile UserProfile) (string, time.Time, error) {
	return MintAppJWT(handlers.clock, profile.UserID, profile.Email, profile.Display, profile.Roles,
		handlers.configuration.AppJWTIssuer, handlers.configuration.AppJWTSigningKey, handlers.configuration.SessionTTL)
}

// transportAllowed rejects credential exchange over plain HTTP unless explicitly allowed.
func (handlers *authHandlers) transportAllowed(contextGin *gin.Context) bool {
	if handlers.configuration.AllowInsecureHTTP || isHTTPS(contextGin.Request) {
		return true
	}
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
	return false
}

func (handlers *authHandlers) refreshCookieValue(contextGin *gin.Context) string {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil {
		return ""
	}
	return strings.TrimSpace(refreshCookie.Value)
}

func (handlers *authHandlers) writeRefreshCookie(contextGin *gin.Context, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    opaque,
		Path:     handlers.configuration.RefreshCookiePath,
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   handlers.configuration.secureCookies(),
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *authHandlers) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    "",
		Path:     handlers.configuration.RefreshCookiePath,
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   handlers.configuration.secureCookies(),
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
