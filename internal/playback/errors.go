package playback

import (
	"errors"
	"strings"
)

// ErrorCategory is the user-facing class of a load failure.
type ErrorCategory string

const (
	CategoryNone    ErrorCategory = ""
	CategoryNetwork ErrorCategory = "network"
	CategoryFormat  ErrorCategory = "format"
	CategoryTimeout ErrorCategory = "timeout"
	CategoryGeneric ErrorCategory = "generic"
)

// Load error sentinels, one per category.
var (
	ErrNetwork           = errors.New("network error")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrLoadTimeout       = errors.New("loading timeout")
	ErrGenericLoad       = errors.New("failed to load video")
)

// TimeoutMessage is reported when no load result arrives before the deadline.
const TimeoutMessage = "Loading timeout"

// Sentinel returns the sentinel error for the category.
func (c ErrorCategory) Sentinel() error {
	switch c {
	case CategoryNetwork:
		return ErrNetwork
	case CategoryFormat:
		return ErrUnsupportedFormat
	case CategoryTimeout:
		return ErrLoadTimeout
	default:
		return ErrGenericLoad
	}
}

// Retryable returns false for failures that reloading the same source
// cannot fix.
func (c ErrorCategory) Retryable() bool {
	return c != CategoryFormat
}

// Message returns the copy shown in the error panel.
func (c ErrorCategory) Message() string {
	switch c {
	case CategoryNetwork:
		return "Network error"
	case CategoryFormat:
		return "Unsupported format"
	case CategoryTimeout:
		return "Loading timeout"
	default:
		return "Failed to load video"
	}
}

// BackendError is a failure reported by the playback backend. Code is a
// structured category hint ("network", "format", "timeout"); when empty the
// message text is inspected instead.
type BackendError struct {
	Code    string
	Message string
}

func (e BackendError) Error() string {
	return e.Message
}

// LoadError is a classified load failure held by the controller.
type LoadError struct {
	Category ErrorCategory
	Message  string
}

func (e *LoadError) Error() string {
	if e.Message == "" {
		return e.Category.Sentinel().Error()
	}
	return e.Category.Sentinel().Error() + ": " + e.Message
}

func (e *LoadError) Unwrap() error {
	return e.Category.Sentinel()
}

// Classify maps a backend error onto a category. A structured code takes
// precedence over substring matching on the message.
func Classify(be BackendError) *LoadError {
	cat := categoryFromCode(be.Code)
	if cat == CategoryNone {
		cat = categoryFromMessage(be.Message)
	}
	return &LoadError{Category: cat, Message: be.Message}
}

func categoryFromCode(code string) ErrorCategory {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "network":
		return CategoryNetwork
	case "format":
		return CategoryFormat
	case "timeout":
		return CategoryTimeout
	case "generic":
		return CategoryGeneric
	}
	return CategoryNone
}

func categoryFromMessage(msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "network"):
		return CategoryNetwork
	case strings.Contains(lower, "format"):
		return CategoryFormat
	case strings.Contains(lower, "timeout"):
		return CategoryTimeout
	}
	return CategoryGeneric
}
