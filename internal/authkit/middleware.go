package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tsession/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// ContextKeyTenant is the gin context key holding the Membership selected by RequireTenant.
const ContextKeyTenant = "auth_tenant"

// RequireBearer validates the Authorization bearer token and stores its claims under
// sessionvalidator.DefaultContextKey.
func RequireBearer(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return validator.GinMiddleware(sessionvalidator.DefaultContextKey)
}

// RequireTenant resolves the school named by tenantHeader against the caller's
// memberships. Requests without the header pass through without a tenant.
func RequireTenant(tenantHeader string, users UserStore, logger *zap.Logger) gin.HandlerFunc {
	if strings.TrimSpace(tenantHeader) == "" {
		tenantHeader = DefaultTenantHeader
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		schoolID := strings.TrimSpace(contextGin.GetHeader(tenantHeader))
		if schoolID == "" {
			contextGin.Next()
			return
		}
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		memberships, listErr := users.ListMemberships(contextGin.Request.Context(), claims.GetUserID())
		if listErr != nil {
			logger.Error("membership lookup failed",
				zap.String("code", "auth.tenant.lookup_failed"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(listErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tenant_lookup_failed"})
			return
		}
		for _, membership := range memberships {
			if membership.SchoolID == schoolID {
				contextGin.Set(ContextKeyTenant, membership)
				contextGin.Next()
				return
			}
		}
		logger.Debug("tenant rejected",
			zap.String("code", "auth.tenant.forbidden"),
			zap.String("user_id", claims.GetUserID()),
			zap.String("school_id", schoolID))
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant_forbidden"})
	}
}

// TenantFromContext returns the membership selected by RequireTenant.
func TenantFromContext(contextGin *gin.Context) (Membership, bool) {
	value, exists := contextGin.Get(ContextKeyTenant)
	if !exists {
		return Membership{}, false
	}
	membership, ok := value.(Membership)
	return membership, ok
}
