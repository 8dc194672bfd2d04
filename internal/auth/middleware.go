package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/logging"
)

const (
	HeaderSigner    = "X-Signer"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// ContextKeySigner is the key for storing the authenticated address in gin context
	ContextKeySigner = "authSigner"
)

// Middleware verifies the request signature and stores the signer in the
// context. Unsigned or badly signed requests are rejected with 401.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Could not read request body.",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		signer, err := v.Verify(c.Request.Context(),
			c.Request.Method,
			c.Request.URL.RequestURI(),
			c.GetHeader(HeaderSigner),
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			body,
		)
		if err != nil {
			status := http.StatusUnauthorized
			code := "unauthorized"
			if errors.Is(err, ErrReplayed) {
				code = "replayed_request"
			}
			logging.L(c.Request.Context()).Warn("request authentication failed",
				"path", c.Request.URL.Path,
				"signer", c.GetHeader(HeaderSigner),
				"error", err,
			)
			c.AbortWithStatusJSON(status, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeySigner, signer)
		c.Request = c.Request.WithContext(logging.WithSigner(c.Request.Context(), signer))
		c.Next()
	}
}

// GetSigner returns the authenticated address, or "" when unauthenticated.
func GetSigner(c *gin.Context) string {
	addr, exists := c.Get(ContextKeySigner)
	if !exists {
		return ""
	}
	return addr.(string)
}
