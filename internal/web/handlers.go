package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tsession/internal/authkit"
	"github.com/tyemirov/tsession/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const maxEchoBodyBytes = 1 << 20

// HandleWhoAmI returns the authenticated user's profile and the tenant selected for
// the request, if any.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
		if !ok {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		profile, profileErr := users.GetUserProfile(contextGin.Request.Context(), claims.GetUserID())
		if profileErr != nil {
			if errors.Is(profileErr, authkit.ErrUserNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		payload := gin.H{
			"user_id":    profile.UserID,
			"user_email": profile.Email,
			"display":    profile.Display,
			"roles":      profile.Roles,
			"expires":    claims.GetExpiresAt(),
		}
		if membership, selected := authkit.TenantFromContext(contextGin); selected {
			payload["tenant"] = membership
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": payload})
	}
}

// HandleEcho reflects the request back to the caller, scoped to the selected tenant. It
// backs the CLI's request command and smoke tests of the guard chain.
func HandleEcho(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		body, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxEchoBodyBytes))
		if readErr != nil {
			logger.Warn("echo body read failed",
				zap.String("code", "api.echo.read_failed"),
				zap.Error(readErr))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		userID := ""
		if claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey); ok {
			userID = claims.GetUserID()
		}
		schoolID := ""
		if membership, selected := authkit.TenantFromContext(contextGin); selected {
			schoolID = membership.SchoolID
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
			"method":     contextGin.Request.Method,
			"path":       contextGin.Param("path"),
			"query":      contextGin.Request.URL.RawQuery,
			"user_id":    userID,
			"school_id":  schoolID,
			"request_id": contextGin.GetHeader("X-Request-ID"),
			"body_bytes": len(body),
		}})
	}
}
