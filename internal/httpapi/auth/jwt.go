// Package auth provides HS256 bearer-token authentication for the engine's
// HTTP control plane. The engine has no user accounts of its own — this
// issues short-lived session tokens scoped to one playback session ID
// rather than a user identity.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims binds a token to one playback session.
type SessionClaims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies SessionClaims with a shared HS256 secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer constructs an issuer. An empty secret is rejected: running
// with no secret would silently accept any self-signed token.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token scoped to sessionID.
func (i *TokenIssuer) Issue(sessionID string) (string, error) {
	claims := SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates tokenString, returning its session ID.
func (i *TokenIssuer) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("auth: invalid or expired token")
	}
	return claims.SessionID, nil
}

// RequireSession is gin middleware that verifies a bearer token and sets
// "sessionID" in the request context, matching the URL's :id (so a token
// minted for one session cannot be replayed against another).
func RequireSession(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		sessionID, err := issuer.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if urlID := c.Param("id"); urlID != "" && urlID != sessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this session"})
			return
		}
		c.Set("sessionID", sessionID)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if q := c.Query("token"); q != "" {
		return q
	}
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}
