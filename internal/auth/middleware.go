package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

const (
	// HeaderToken is the request header carrying the credential.
	HeaderToken = "token"
	// CtxUserIDKey holds the verified identity in the gin context.
	CtxUserIDKey = "userID"
)

// Middleware rejects requests without a valid token. Rejections are sent as
// {success:false, message} with status 200 so clients treat them as business
// failures rather than transport errors.
func Middleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(HeaderToken))
		if token == "" {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"success": false, "message": "Not authorized, token missing"})
			return
		}

		userID, err := tokens.Verify(token)
		if err != nil {
			logger.Debugf("Rejected token from %s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"success": false, "message": "Not authorized, invalid token"})
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

// UserID returns the identity stored by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
