package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth gates operator-only endpoints (session creation) behind a
// shared key, hashed at startup so the plaintext never sits in memory for
// the process lifetime. A nil *AdminAuth (no key configured) disables the
// check entirely, matching local/dev deployments that have no operator
// secret to configure.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth hashes plainKey with bcrypt. An empty plainKey disables
// admin-key enforcement (nil, nil).
func NewAdminAuth(plainKey string) (*AdminAuth, error) {
	if plainKey == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminAuth{hash: hash}, nil
}

// RequireAdminKey checks the X-Admin-Key header against the hashed key. A
// nil receiver (admin auth disabled) always passes.
func (a *AdminAuth) RequireAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}
