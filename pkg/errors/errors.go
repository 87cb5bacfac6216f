package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeTransientFetch represents network failures and non-200 responses
	ErrorTypeTransientFetch ErrorType = "transient_fetch"
	// ErrorTypeNotFound represents 404/410 responses
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeRateLimit represents rate limiting errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeStructuralExtraction represents markup missing an expected anchor
	ErrorTypeStructuralExtraction ErrorType = "structural_extraction"
	// ErrorTypeValidation represents values outside their plausible range
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStore represents persistence errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeCache represents cache-related errors
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypePublisher represents publisher-related errors
	ErrorTypePublisher ErrorType = "publisher"
	// ErrorTypeDescription represents description service errors
	ErrorTypeDescription ErrorType = "description"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// CrawlerError represents a crawler-specific error
type CrawlerError struct {
	Type    ErrorType
	Source  string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *CrawlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Source, e.Message)
}

// Unwrap returns the underlying error
func (e *CrawlerError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *CrawlerError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTransientFetch, ErrorTypeRateLimit, ErrorTypeStructuralExtraction:
		return true
	default:
		return false
	}
}

// New creates a new CrawlerError
func New(errType ErrorType, source, message string, err error) *CrawlerError {
	return &CrawlerError{
		Type:    errType,
		Source:  source,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewTransientFetch creates a new retryable fetch error
func NewTransientFetch(source, message string, err error) *CrawlerError {
	return New(ErrorTypeTransientFetch, source, message, err)
}

// NewNotFound creates a new not found error
func NewNotFound(source string, status int) *CrawlerError {
	return New(ErrorTypeNotFound, source, fmt.Sprintf("status %d", status), nil)
}

// NewRateLimit creates a new rate limit error
func NewRateLimit(source string, duration time.Duration) *CrawlerError {
	message := fmt.Sprintf("rate limited for %v", duration)
	return New(ErrorTypeRateLimit, source, message, nil)
}

// NewStructuralExtraction creates a new structural extraction error
func NewStructuralExtraction(source, message string, err error) *CrawlerError {
	return New(ErrorTypeStructuralExtraction, source, message, err)
}

// NewValidation creates a new validation error
func NewValidation(source, message string) *CrawlerError {
	return New(ErrorTypeValidation, source, message, nil)
}

// NewStore creates a new store error
func NewStore(source, message string, err error) *CrawlerError {
	return New(ErrorTypeStore, source, message, err)
}

// NewCache creates a new cache error
func NewCache(source, message string, err error) *CrawlerError {
	return New(ErrorTypeCache, source, message, err)
}

// NewPublisher creates a new publisher error
func NewPublisher(source, message string, err error) *CrawlerError {
	return New(ErrorTypePublisher, source, message, err)
}

// NewDescription creates a new description service error
func NewDescription(source, message string, err error) *CrawlerError {
	return New(ErrorTypeDescription, source, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *CrawlerError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// IsType reports whether any error in err's chain is a CrawlerError of the given type
func IsType(err error, errType ErrorType) bool {
	var ce *CrawlerError
	if stderrors.As(err, &ce) {
		return ce.Type == errType
	}
	return false
}

// IsRetryable reports whether err's chain holds a retryable CrawlerError.
// Errors from outside the taxonomy are treated as retryable network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CrawlerError
	if stderrors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}
