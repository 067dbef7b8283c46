package middleware

import (
	"crypto/subtle"
	"net/http"

	"pyceon-backend/internal/model"
	"pyceon-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const DefaultAPIKeyHeader = "x-api-key"

// RequireAPIKey rejects requests whose header does not carry apiKey. It must
// run before any handler starts a response.
func RequireAPIKey(apiKey, header string) gin.HandlerFunc {
	if apiKey == "" {
		panic("middleware: RequireAPIKey needs a non-empty api key")
	}
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	expected := []byte(apiKey)

	return func(c *gin.Context) {
		provided := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			logger.Warnf("Rejected %s %s from %s: bad api key", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Unauthorized"})
			return
		}
		c.Next()
	}
}
