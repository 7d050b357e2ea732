package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// SSEMiddleware SSE连接专用中间件，禁用缓存和代理缓冲
func SSEMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSSEEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		logger.Debug("处理SSE请求",
			zap.String("path", c.Request.URL.Path),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.String("remote_addr", c.ClientIP()),
		)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Connection", "keep-alive")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Header("X-Accel-Buffering", "no") // Nginx
		c.Header("X-Content-Type-Options", "nosniff")

		c.Next()

		logger.Debug("SSE请求完成",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("remote_addr", c.ClientIP()),
		)
	}
}

// isSSEEndpoint 判断是否为流式端点
func isSSEEndpoint(path string) bool {
	return strings.HasSuffix(path, "/stream")
}

// HTTP1OnlyMiddleware 强制使用HTTP/1.1
func HTTP1OnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.ProtoMajor = 1
		c.Request.ProtoMinor = 1
		c.Request.Proto = "HTTP/1.1"
		c.Next()
	}
}

// NoBufferMiddleware 禁用缓冲，用于需要实时响应的接口
func NoBufferMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Header("X-Accel-Buffering", "no")
		c.Next()
	}
}
