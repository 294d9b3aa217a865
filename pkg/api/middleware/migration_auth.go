package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MigrationKeyHeader carries the constant-time-compared key that guards the
// bulk-import endpoint.
const MigrationKeyHeader = "X-Migration-Key"

// MigrationKeyMiddleware rejects any request missing a header matching
// expectedKey, comparing in constant time so response latency cannot leak
// how many prefix bytes matched. An empty expectedKey disables the route
// entirely rather than accepting every request.
func MigrationKeyMiddleware(expectedKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expectedKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "bulk import is not configured on this deployment",
			})
			return
		}

		provided := c.GetHeader(MigrationKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expectedKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing migration key",
			})
			return
		}

		c.Next()
	}
}
