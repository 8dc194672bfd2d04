// Package validation provides address normalisation and request input checks.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxLabelLength bounds free-text labels such as nicknames and credential names.
const MaxLabelLength = 64

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// NormalizeAddress returns the lower-cased 0x form of addr. Guardians,
// owners and accounts are compared and stored in this form only.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") && len(addr) == 40 {
		addr = "0x" + addr
	}
	if !common.IsHexAddress(addr) {
		return "", apperr.Wrap(apperr.ErrInvalidAddress, "not a valid Ethereum address: "+addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// Validate runs every check and collects all failures.
func Validate(checks ...func() *apperr.Violation) []apperr.Violation {
	var out []apperr.Violation
	for _, check := range checks {
		if v := check(); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// Required checks if a field is non-empty
func Required(field, value string) func() *apperr.Violation {
	return func() *apperr.Violation {
		if strings.TrimSpace(value) == "" {
			return &apperr.Violation{Field: field, Code: "required", Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address. Empty values
// pass; combine with Required for mandatory fields.
func ValidAddress(field, value string) func() *apperr.Violation {
	return func() *apperr.Violation {
		if value == "" {
			return nil
		}
		if !common.IsHexAddress(value) {
			return &apperr.Violation{Field: field, Code: "invalid_address", Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *apperr.Violation {
	return func() *apperr.Violation {
		if len(value) > max {
			return &apperr.Violation{Field: field, Code: "too_long", Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *apperr.Violation {
	return func() *apperr.Violation {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &apperr.Violation{Field: field, Code: "invalid_option", Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// AddressParamMiddleware rejects requests whose named URL parameters are
// not valid addresses.
func AddressParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			addr := c.Param(name)
			if addr != "" && !IsValidEthAddress(addr) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": name + " must be a valid Ethereum address (0x + 40 hex chars)",
				})
				return
			}
		}
		c.Next()
	}
}
