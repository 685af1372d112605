package engine

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"pixelflow/internal/domain"
)

// ClassifiedError holds the result of error classification: the original
// error plus the category/retryable annotation surfaced to callers. The
// classifier never retries; it only annotates.
type ClassifiedError struct {
	Original   error
	Category   domain.ErrorCategory
	Retryable  bool
	StatusCode int // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier categorizes provider errors for the terminal error
// payload. Sentinel matches win; an HTTP status embedded in the message is
// consulted next, then string heuristics for raw network failures.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// httpErrorPattern matches "HTTP NNN" or "status NNN" fragments produced
// by the HTTP-backed providers.
var httpErrorPattern = regexp.MustCompile(`(?:HTTP|status|API error)\s+(\d{3})`)

// Classify inspects an error raised during execution and returns its
// category and retryable flag. Validation and not-found errors are raised
// before any provider call and are never retryable.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if ce := c.classifyBySentinel(err); ce.Category != domain.CategoryUnknown {
		return ce
	}

	errStr := err.Error()
	if matches := httpErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	return c.classifyByString(err, errStr)
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidInput):
		return ClassifiedError{Original: err, Category: domain.CategoryValidation}
	case errors.Is(err, domain.ErrProviderNotFound), errors.Is(err, domain.ErrPipelineNotFound):
		return ClassifiedError{Original: err, Category: domain.CategoryNotFound}
	case errors.Is(err, domain.ErrProviderAuth):
		return ClassifiedError{Original: err, Category: domain.CategoryProviderAuth}
	case errors.Is(err, domain.ErrProviderQuota):
		return ClassifiedError{Original: err, Category: domain.CategoryProviderQuota, Retryable: true}
	case errors.Is(err, domain.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassifiedError{Original: err, Category: domain.CategoryTransient, Retryable: true}
	case errors.Is(err, domain.ErrConfiguration):
		return ClassifiedError{Original: err, Category: domain.CategoryConfiguration}
	case errors.Is(err, domain.ErrPathOutsideSandbox), errors.Is(err, domain.ErrSSRFBlocked):
		return ClassifiedError{Original: err, Category: domain.CategoryValidation}
	case errors.Is(err, domain.ErrVarUnbound), errors.Is(err, domain.ErrVarRebound):
		return ClassifiedError{Original: err, Category: domain.CategoryInternal}
	case errors.Is(err, domain.ErrAborted), errors.Is(err, context.Canceled):
		// A caller-initiated abort: the run can simply be issued again.
		return ClassifiedError{Original: err, Category: domain.CategoryTransient, Retryable: true}
	default:
		return ClassifiedError{Original: err, Category: domain.CategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{Original: err, Category: domain.CategoryProviderQuota, Retryable: true, StatusCode: code}
	case code == 401 || code == 403:
		return ClassifiedError{Original: err, Category: domain.CategoryProviderAuth, StatusCode: code}
	case code == 402:
		return ClassifiedError{Original: err, Category: domain.CategoryProviderQuota, StatusCode: code}
	case code == 408 || (code >= 500 && code < 600):
		return ClassifiedError{Original: err, Category: domain.CategoryTransient, Retryable: true, StatusCode: code}
	default:
		return ClassifiedError{Original: err, Category: domain.CategoryUnknown, StatusCode: code}
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests", "quota"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: domain.CategoryProviderQuota, Retryable: true}
		}
	}

	for _, p := range []string{"unauthorized", "invalid api key", "forbidden"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: domain.CategoryProviderAuth}
		}
	}

	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset", "broken pipe",
		"circuit breaker is open",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: domain.CategoryTransient, Retryable: true}
		}
	}

	return ClassifiedError{Original: err, Category: domain.CategoryUnknown}
}
