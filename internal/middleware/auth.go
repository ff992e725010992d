package middleware

import (
	"strings"

	"exam_session_engine/internal/util"
	"exam_session_engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware 校验平台签发的 JWT；未配置密钥时信任网关注入的 X-User-ID
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			userID := strings.TrimSpace(c.GetHeader(util.HeaderUserID))
			if userID == "" {
				util.Unauthorized(c)
				c.Abort()
				return
			}
			c.Set("user", &util.Claims{UserID: userID})
			c.Next()
			return
		}

		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// websocket 握手无法带自定义头
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(tokenString, secret)
		if err != nil {
			logger.Log.Debug("JWT rejected", zap.Error(err))
			util.Unauthorized(c)
			c.Abort()
			return
		}

		c.Set("user", claims)
		c.Next()
	}
}

// ClientID 读取客户端标识（每个浏览器标签页一个），websocket 可用 query 传入
func ClientID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(util.HeaderClientID)); id != "" {
		return id
	}
	return c.Query("clientId")
}
