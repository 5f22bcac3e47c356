package middleware

import (
	"net/http"
	"strings"

	"github.com/gikenye/minilend-sub000/internal/auth"
	"github.com/gin-gonic/gin"
)

const AddressContextKey = "wallet_address"

func RequireAuth(jwt *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := jwt.Parse(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(AddressContextKey, claims.Address)
		c.Next()
	}
}

// CallerAddress returns the authenticated wallet address, if any.
func CallerAddress(c *gin.Context) string {
	v, ok := c.Get(AddressContextKey)
	if !ok {
		return ""
	}
	addr, _ := v.(string)
	return addr
}
