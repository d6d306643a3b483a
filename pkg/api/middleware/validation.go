package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds request validation configuration
type ValidatorConfig struct {
	MaxBodySize    int64         // Maximum request body size in bytes
	MaxPathLength  int           // Maximum media path length
	AllowedFormats []string      // Allowed output container formats
	MaxTimeout     time.Duration // Maximum per-job timeout a caller may request
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:    1 << 20, // 1MB
		MaxPathLength:  1024,
		AllowedFormats: []string{"mp4", "webm", "mkv", "mov", "mp3", "aac", "ogg", "wav", "flac"},
		MaxTimeout:     30 * time.Minute,
	}
}

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidatePath checks a media path from a request payload
func (v *Validator) ValidatePath(field, path string) error {
	if len(path) == 0 {
		return &ValidationError{
			Field:   field,
			Message: "path is required",
		}
	}
	if len(path) > v.config.MaxPathLength {
		return &ValidationError{
			Field:   field,
			Message: "path exceeds maximum length",
		}
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return &ValidationError{
			Field:   field,
			Message: "path contains forbidden characters",
		}
	}
	return nil
}

// ValidateFormat checks if the requested output format is allowed
func (v *Validator) ValidateFormat(format string) error {
	if format == "" {
		return nil
	}
	for _, allowed := range v.config.AllowedFormats {
		if format == allowed {
			return nil
		}
	}
	return &ValidationError{
		Field:   "format",
		Message: "unsupported output format",
	}
}

// ValidateTimeout checks a caller-supplied timeout
func (v *Validator) ValidateTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return &ValidationError{
			Field:   "timeout_seconds",
			Message: "timeout must not be negative",
		}
	}
	if timeout > v.config.MaxTimeout {
		return &ValidationError{
			Field:   "timeout_seconds",
			Message: "timeout exceeds maximum allowed",
		}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")
		// Enable XSS filter
		c.Header("X-XSS-Protection", "1; mode=block")

		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
