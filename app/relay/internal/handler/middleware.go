package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/security"
	"github.com/watchdesk/watchdesk/pkg/web"
)

// identityKey 认证通过后身份在 gin 上下文中的键
const identityKey = "identity"

// AuthMiddleware Bearer 凭证校验中间件
func AuthMiddleware(jwtMgr *security.JWTManager, l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := jwtMgr.StripPrefix(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			l.Warn("request credential rejected",
				"path", c.Request.URL.Path,
				"error", err,
			)
			web.AbortWithError(c, http.StatusUnauthorized, 401, "invalid credential")
			return
		}

		c.Set(identityKey, claims.Identity)
		c.Next()
	}
}
