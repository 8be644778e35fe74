package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth 管理接口的静态 API Key 认证中间件
type APIKeyAuth struct {
	keys    []string
	require bool
}

// NewAPIKeyAuth 创建 API Key 认证中间件。
// require 为 false 时放行所有请求，用于本地开发。
func NewAPIKeyAuth(keys []string, require bool) *APIKeyAuth {
	return &APIKeyAuth{keys: keys, require: require}
}

// RequireAPIKey 要求请求携带有效的 X-API-Key
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.require {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			c.Abort()
			return
		}

		if !m.validate(apiKey) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// validate 常量时间比较，防止计时侧信道
func (m *APIKeyAuth) validate(candidate string) bool {
	valid := false
	for _, key := range m.keys {
		if len(key) == len(candidate) &&
			subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			valid = true
		}
	}
	return valid
}
