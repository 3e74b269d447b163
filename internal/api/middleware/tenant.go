package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TenantHeader is the header upstream auth sets after resolving the caller
const TenantHeader = "X-Tenant-ID"

const tenantKey = "tenantID"

// RequireTenant rejects requests without a valid tenant header and stashes
// the parsed tenant ID in the gin context
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(TenantHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing tenant header"})
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid tenant header"})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

// TenantID returns the tenant stashed by RequireTenant
func TenantID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(tenantKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
