package middleware

import (
	"github.com/gin-gonic/gin"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing
func CORS(config CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Determine allowed origin
		var allowedOrigin string
		if config.AllowAllOrigins {
			allowedOrigin = "*"
			// When using *, credentials must be false
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "false")
		} else {
			// Check if origin is in allowed list
			allowed := false
			for _, allowedOriginItem := range config.AllowedOrigins {
				if origin == allowedOriginItem || allowedOriginItem == "*" {
					allowed = true
					allowedOrigin = origin
					break
				}
			}

			if !allowed && len(config.AllowedOrigins) > 0 {
				// Origin not allowed, don't set CORS headers
				c.Next()
				return
			}

			// If no origins configured or origin matches, allow it
			if allowedOrigin == "" {
				allowedOrigin = origin
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")

		// Handle preflight requests
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
