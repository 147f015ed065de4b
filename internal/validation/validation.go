// Package validation checks request fields before they reach the services.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
	amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidSolanaAddress checks for a base58 ed25519 public key.
func IsValidSolanaAddress(addr string) bool {
	if addr == "" {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// IsValidAddress accepts either address family. Simulated chains use EVM
// formatting.
func IsValidAddress(addr string) bool {
	return IsValidEthAddress(addr) || IsValidSolanaAddress(addr)
}

// SanitizeString trims, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeAddress normalizes an address. EVM addresses are lowercased;
// base58 addresses are case-sensitive and only trimmed.
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) == 40 && common.IsHexAddress(addr) {
		addr = "0x" + addr
	}
	if strings.HasPrefix(strings.ToLower(addr), "0x") {
		return strings.ToLower(addr)
	}
	return addr
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an EVM or Solana address. Empty passes; pair with
// Required.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid EVM (0x...) or Solana (base58) address"}
		}
		return nil
	}
}

// ValidID checks identifiers such as escrow, settlement and merchant IDs.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !idPattern.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9_-:.]"}
		}
		return nil
	}
}

// OneOf checks value against an allowed set. Empty passes.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks a positive decimal amount with at most decimals
// fractional digits.
func ValidAmount(field, value string, decimals int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !amountPattern.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if _, frac, ok := strings.Cut(value, "."); ok && len(frac) > decimals {
			return &ValidationError{Field: field, Message: "too many decimal places"}
		}
		if strings.Trim(value, "0.") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid EVM or Solana address",
			})
			return
		}
		c.Next()
	}
}
