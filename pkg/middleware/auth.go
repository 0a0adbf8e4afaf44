package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth holds the bcrypt digest of the shared admin secret. The
// plaintext is hashed once at startup and never retained.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth hashes the configured admin password.
func NewAdminAuth(password string) (*AdminAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminAuth{hash: hash}, nil
}

// Middleware gates admin routes on the X-Admin-Password header. The
// bcrypt comparison is constant-time.
func (a *AdminAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		password := c.GetHeader("X-Admin-Password")
		if password == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Admin password required"})
			c.Abort()
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid admin password"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// APIKeyMiddleware gates write endpoints when a key is configured. The
// key is accepted either as X-API-Key or as a bearer token, so
// compatible clients built for the well-known surface work unchanged.
// An empty configured key disables the check.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
