package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	headerName = "X-API-Key"
	// Browsers cannot set headers on <img> MJPEG sources or WebSocket upgrades.
	queryName = "api_key"
)

// APIKeyMiddleware validates the API key from the X-API-Key header or the
// api_key query parameter. keys may hold several comma-separated keys so one
// can be rotated out while the other is live. An empty keys disables auth.
func APIKeyMiddleware(keys string) gin.HandlerFunc {
	accepted := splitKeys(keys)
	if len(accepted) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		provided := c.GetHeader(headerName)
		if provided == "" {
			provided = c.Query(queryName)
		}

		switch {
		case provided == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
		case !matchesAny(provided, accepted):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid API key"})
		default:
			c.Next()
		}
	}
}

func splitKeys(keys string) [][]byte {
	var out [][]byte
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, []byte(k))
		}
	}
	return out
}

// matchesAny compares provided against every key in constant time.
func matchesAny(provided string, accepted [][]byte) bool {
	p := []byte(provided)
	ok := 0
	for _, k := range accepted {
		ok |= subtle.ConstantTimeCompare(p, k)
	}
	return ok == 1
}
