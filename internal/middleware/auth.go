package middleware

import (
	"net/http"
	"strings"

	"github.com/CryptoLens/lensgate/internal/auth"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey        = "X-API-Key"
	ContextPrincipalKey = "principal"
)

// AuthMiddleware resolves the caller's credential into a Principal.
// 支持 Authorization: Bearer <token> 或 X-API-Key 两种携带方式。
func AuthMiddleware(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractCredential(c)
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credential"})
			c.Abort()
			return
		}

		principal, appErr := resolver.Resolve(raw)
		if appErr != nil {
			c.JSON(appErr.HTTPStatus, appErr)
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Next()
	}
}

func extractCredential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(c.GetHeader(HeaderAPIKey))
}

// PrincipalFrom pulls the authenticated principal out of the context.
func PrincipalFrom(c *gin.Context) (*model.Principal, bool) {
	val, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil, false
	}
	principal, ok := val.(*model.Principal)
	return principal, ok
}
