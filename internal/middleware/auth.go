package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/response"
)

// CtxAPIKeyIDKey holds the index of the API key that authenticated the request.
const CtxAPIKeyIDKey = "apiKeyID"

// APIKey enforces bearer authentication against a fixed set of service keys. With no keys
// configured every request passes.
func APIKey(keys []string) gin.HandlerFunc {
	digests := make([][32]byte, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			digests = append(digests, sha256.Sum256([]byte(key)))
		}
	}

	return func(c *gin.Context) {
		if len(digests) == 0 {
			c.Next()
			return
		}

		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		// Compare digests so the comparison time does not depend on key length.
		presented := sha256.Sum256([]byte(strings.TrimSpace(authz[7:])))
		matched := -1
		for i := range digests {
			if subtle.ConstantTimeCompare(presented[:], digests[i][:]) == 1 {
				matched = i
			}
		}
		if matched < 0 {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxAPIKeyIDKey, matched)
		c.Next()
	}
}
