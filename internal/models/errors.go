package models

// ErrorCategory classifies failures on execution records and outcome events.
// The set is closed; handlers and adapters must map every failure onto one
// of these tags.
type ErrorCategory string

const (
	// ErrorCategoryConfiguration covers a configuration that is missing,
	// inactive, or malformed at lookup time.
	ErrorCategoryConfiguration ErrorCategory = "ConfigurationError"

	// ErrorCategoryValidation covers command bodies that fail domain
	// validation (token in URL host, invalid cron, invalid timezone, ...).
	ErrorCategoryValidation ErrorCategory = "ValidationError"

	// ErrorCategoryAuthentication covers rejected credentials. Never retried.
	ErrorCategoryAuthentication ErrorCategory = "AuthenticationFailure"

	// ErrorCategoryConnectionTimeout covers TCP/TLS handshakes exceeding the
	// configured timeout. Retryable.
	ErrorCategoryConnectionTimeout ErrorCategory = "ConnectionTimeout"

	// ErrorCategoryProtocol covers malformed responses, unexpected statuses,
	// missing containers. Retryable.
	ErrorCategoryProtocol ErrorCategory = "ProtocolError"

	// ErrorCategoryConflict covers store uniqueness or ETag violations.
	ErrorCategoryConflict ErrorCategory = "Conflict"

	// ErrorCategoryPreconditionFailed covers ETag mismatch on update/delete.
	ErrorCategoryPreconditionFailed ErrorCategory = "PreconditionFailed"

	// ErrorCategoryCancelled covers deadline or caller cancellation.
	ErrorCategoryCancelled ErrorCategory = "Cancelled"

	// ErrorCategoryHandler is the catch-all for unexpected handler failures.
	ErrorCategoryHandler ErrorCategory = "HandlerError"
)

// IsRetryable reports whether an adapter-level failure in this category may
// be retried by the file-check pipeline.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case ErrorCategoryConnectionTimeout, ErrorCategoryProtocol:
		return true
	default:
		return false
	}
}

// CategorizedError pairs an error with its category so callers can surface
// the tag on execution records and events without type switches.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorizedError wraps err with the given category.
func NewCategorizedError(category ErrorCategory, err error) *CategorizedError {
	return &CategorizedError{Category: category, Err: err}
}

// CategoryOf extracts the category from err, walking the wrap chain.
// Uncategorized errors map to HandlerError.
func CategoryOf(err error) ErrorCategory {
	for err != nil {
		if ce, ok := err.(*CategorizedError); ok {
			return ce.Category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrorCategoryHandler
}
