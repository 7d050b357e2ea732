package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"go.uber.org/zap"
)

var (
	errMissingToken   = errors.New("未提供认证令牌")
	errMalformedToken = errors.New("认证令牌格式错误")
)

// bearerToken 从 Authorization 头中取出令牌，没有该头时返回空字符串
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if !(len(parts) == 2 && parts[0] == "Bearer") || parts[1] == "" {
		return "", errMalformedToken
	}
	return parts[1], nil
}

func setPrincipal(c *gin.Context, claims *auth.Claims) {
	c.Set(utils.ContextUID, claims.UID)
	c.Set(utils.ContextRole, claims.Role)
}

// AuthMiddleware 认证中间件，要求请求携带有效令牌
func AuthMiddleware(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err == nil && token == "" {
			err = errMissingToken
		}
		if err != nil {
			utils.ResponseUnauthorized(c, err)
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(token, cfg)
		if err != nil {
			logger.Warn("解析令牌失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
			utils.ResponseUnauthorized(c, err)
			c.Abort()
			return
		}

		setPrincipal(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware 令牌可选，携带无效令牌时仍按匿名用户处理
func OptionalAuthMiddleware(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err == nil && token != "" {
			if claims, perr := auth.ParseToken(token, cfg); perr == nil {
				setPrincipal(c, claims)
			} else {
				logger.Debug("忽略无效令牌", zap.String("path", c.Request.URL.Path), zap.Error(perr))
			}
		}
		c.Next()
	}
}

// TeacherOnly 只允许教师角色访问，需放在 AuthMiddleware 之后
func TeacherOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if utils.GetRole(c) != auth.RoleTeacher {
			utils.ResponseForbidden(c, errors.New("仅教师可以上传文件"))
			c.Abort()
			return
		}
		c.Next()
	}
}
