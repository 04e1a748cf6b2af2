package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/agproxy/agproxy/internal/config"
)

// authMiddleware validates the bearer token against the configured API
// password, the api-keys list, and the panel password (which may be stored
// as a bcrypt hash). An empty configuration leaves the surface open, which
// suits local single-user deployments.
func authMiddleware(provider *config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := provider.Get()
		if cfg.APIPassword == "" && len(cfg.APIKeys) == 0 && cfg.PanelPassword == "" {
			c.Next()
			return
		}
		token := bearerToken(c)
		if token == "" {
			unauthorized(c, "missing bearer token")
			return
		}
		if token == cfg.APIPassword && cfg.APIPassword != "" {
			c.Next()
			return
		}
		for _, key := range cfg.APIKeys {
			if token == key {
				c.Next()
				return
			}
		}
		if matchesPanelPassword(cfg.PanelPassword, token) {
			c.Next()
			return
		}
		unauthorized(c, "invalid token")
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Anthropic SDKs send the key in x-api-key instead.
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	// Gemini SDKs use a query parameter.
	return c.Query("key")
}

// matchesPanelPassword compares against either a plaintext panel password
// or a stored bcrypt hash.
func matchesPanelPassword(stored, token string) bool {
	if stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(token)) == nil
	}
	return stored == token
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"message": message, "type": "authentication_error"},
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key, anthropic-version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
