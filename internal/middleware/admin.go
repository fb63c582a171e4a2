package middleware

import (
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// AdminMiddleware 管理路由门卫，跑在 AuthMiddleware 之后。
// 只放行内部 JWT 主体或持有 audit:read 授权的调用方。
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			appErr := apperrors.NewAuthFailed("missing credential")
			c.JSON(appErr.HTTPStatus, appErr)
			c.Abort()
			return
		}
		if p.AuthMethod != model.AuthInternalJWT && !p.HasPermission("audit:read") {
			appErr := apperrors.NewForbidden("audit access requires internal credentials or the audit:read grant")
			c.JSON(appErr.HTTPStatus, appErr)
			c.Abort()
			return
		}
		c.Next()
	}
}
