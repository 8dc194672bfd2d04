package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/apperr"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result, err := NormalizeAddress(tc.input)
		if err != nil {
			t.Fatalf("NormalizeAddress(%q) error: %v", tc.input, err)
		}
		if result != tc.expected {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}

	if _, err := NormalizeAddress("not-an-address"); !errors.Is(err, apperr.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestValidateCollectsAll(t *testing.T) {
	violations := Validate(
		Required("nickname", " "),
		ValidAddress("address", "0xnope"),
		MaxLength("relationship", "abcdef", 3),
		OneOf("method", "carrier_pigeon", "email", "wallet_signature"),
		Required("ok", "value"),
	)
	if len(violations) != 4 {
		t.Fatalf("expected 4 violations, got %d: %+v", len(violations), violations)
	}
	if violations[0].Field != "nickname" || violations[3].Code != "invalid_option" {
		t.Errorf("unexpected violations: %+v", violations)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  a\x00b  ", 10); got != "ab" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:account", AddressParamMiddleware("account"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/0x1234567890123456789012345678901234567890", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid address: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid address: expected 400, got %d", w.Code)
	}
}
