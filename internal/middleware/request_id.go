package middleware

import (
	"github.com/leonaiuv/ai-chat-app/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

// RequestID 沿用客户端传入的 X-Request-ID，没有则生成，并回写到响应头
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(utils.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(utils.RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID 取当前请求的 id；未经过中间件时现场生成
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	id := uuid.NewString()
	c.Set(requestIDKey, id)
	c.Header(utils.RequestIDHeader, id)
	return id
}
