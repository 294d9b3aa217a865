package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxBodySize       int64 // Maximum request body size in bytes
	MaxJobIDLength    int   // Maximum job ID length
	MaxPipelineLength int   // Maximum pipeline ID length
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:       1 << 20, // 1MB
		MaxJobIDLength:    100,
		MaxPipelineLength: 64,
	}
}

// idPattern: alphanumeric, hyphen, underscore only.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateJobID checks a caller-supplied job ID against the allowed
// charset (alphanumeric, hyphen, underscore) and length cap.
func (v *Validator) ValidateJobID(id string) error {
	if len(id) == 0 {
		return &ValidationError{
			Field:   "jobId",
			Message: "job ID is required",
		}
	}
	if len(id) > v.config.MaxJobIDLength {
		return &ValidationError{
			Field:   "jobId",
			Message: "job ID exceeds maximum length",
		}
	}
	if !idPattern.MatchString(id) {
		return &ValidationError{
			Field:   "jobId",
			Message: "job ID may only contain letters, digits, hyphens and underscores",
		}
	}
	return nil
}

// ValidatePipelineID checks a caller-supplied pipeline ID the same way.
func (v *Validator) ValidatePipelineID(id string) error {
	if len(id) == 0 {
		return &ValidationError{
			Field:   "pipelineId",
			Message: "pipeline ID is required",
		}
	}
	if len(id) > v.config.MaxPipelineLength {
		return &ValidationError{
			Field:   "pipelineId",
			Message: "pipeline ID exceeds maximum length",
		}
	}
	if !idPattern.MatchString(id) {
		return &ValidationError{
			Field:   "pipelineId",
			Message: "pipeline ID may only contain letters, digits, hyphens and underscores",
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

// JobIDParamMiddleware rejects requests whose :jobId path parameter fails
// validation before any handler or store lookup runs.
func JobIDParamMiddleware(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.ValidateJobID(c.Param("jobId")); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
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
		// Strict Transport Security (enable in production with HTTPS)
		// c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// generateRequestID creates a request ID for tracing.
func generateRequestID() string {
	return "req-" + uuid.New().String()
}
