package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireUserAgent rejects requests whose User-Agent does not start with the
// given prefix. Xcode identifies itself as "Xcode/<build>"; nothing else is
// allowed to reach the model endpoints.
func RequireUserAgent(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.UserAgent(), prefix) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Next()
	}
}
