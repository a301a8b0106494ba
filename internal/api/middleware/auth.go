package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey is the header the uploader client sends its key in.
const HeaderAPIKey = "X-API-Key"

// Key status values reported by the ping endpoint.
const (
	KeyStatusValid       = "valid"
	KeyStatusInvalid     = "invalid"
	KeyStatusNotProvided = "not_provided"
)

const (
	ctxKeyUser   = "key_user"
	ctxKeyStatus = "key_status"
)

// KeyVerifier matches presented API keys against bcrypt hashes.
type KeyVerifier struct {
	keys []config.APIKeyConfig
}

// NewKeyVerifier creates a verifier over the configured keys.
func NewKeyVerifier(keys []config.APIKeyConfig) *KeyVerifier {
	return &KeyVerifier{keys: keys}
}

// Verify returns the user bound to key and whether it matched.
func (v *KeyVerifier) Verify(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, k := range v.keys {
		if k.Hash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
			return k.User, true
		}
	}
	return "", false
}

// Identify resolves the key without rejecting the request. Used by ping,
// which answers unauthenticated callers too.
func (v *KeyVerifier) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.resolve(c)
		c.Next()
	}
}

// Require aborts with 401 unless a valid key is presented. The key's user
// becomes the request operator.
func (v *KeyVerifier) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, _ := v.resolve(c)
		switch status {
		case KeyStatusNotProvided:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		case KeyStatusInvalid:
			logger.CtxWarn(c.Request.Context(), "Rejected API key: client_ip=%s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

func (v *KeyVerifier) resolve(c *gin.Context) (string, string) {
	if s, ok := c.Get(ctxKeyStatus); ok {
		return s.(string), c.GetString(ctxKeyUser)
	}
	key := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
	status := KeyStatusNotProvided
	var user string
	if key != "" {
		var ok bool
		if user, ok = v.Verify(key); ok {
			status = KeyStatusValid
			c.Request = c.Request.WithContext(logger.SetOperator(c.Request.Context(), user))
		} else {
			status = KeyStatusInvalid
		}
	}
	c.Set(ctxKeyStatus, status)
	c.Set(ctxKeyUser, user)
	return status, user
}

// KeyStatus reports how the request's API key resolved.
func KeyStatus(c *gin.Context) string {
	if s, ok := c.Get(ctxKeyStatus); ok {
		return s.(string)
	}
	return KeyStatusNotProvided
}

// KeyUser returns the user bound to the request's API key, if any.
func KeyUser(c *gin.Context) string {
	return c.GetString(ctxKeyUser)
}
