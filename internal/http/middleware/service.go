package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/requestdata"
)

const headerServiceKey = "X-Service-Key"

type ServiceAuthMiddleware struct {
	log    *logger.Logger
	secret string
}

func NewServiceAuthMiddleware(log *logger.Logger, secret string) *ServiceAuthMiddleware {
	return &ServiceAuthMiddleware{log: log.With("Middleware", "ServiceAuthMiddleware"), secret: secret}
}

// RequireService admits callers holding the shared service secret. The
// workflow engine's callback has no end-user session, so it authenticates
// this way instead.
func (sm *ServiceAuthMiddleware) RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerServiceKey)
		if sm.secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(sm.secret)) != 1 {
			sm.log.Warn("rejected service call", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid service key", "code": "unauthorized"},
			})
			return
		}
		c.Request = c.Request.WithContext(requestdata.WithRequestData(c.Request.Context(), &requestdata.RequestData{Service: true}))
		c.Next()
	}
}
