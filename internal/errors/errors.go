package errors

import (
	stderrors "errors"
	"fmt"
)

// Category classifies failures by how callers are expected to recover.
type Category string

const (
	// CategoryValidation is a risk or input violation. It blocks the order and
	// is never retried.
	CategoryValidation Category = "VALIDATION"
	// CategoryExecution is a broker failure, retried with backoff.
	CategoryExecution Category = "EXECUTION"
	// CategoryPersistence means the store is unavailable; the operation aborts.
	CategoryPersistence Category = "PERSISTENCE"
	// CategoryConfiguration rejects invalid parameters at configuration time.
	CategoryConfiguration Category = "CONFIGURATION"
	// CategoryPartialFailure marks batch operations where some items failed.
	CategoryPartialFailure Category = "PARTIAL_FAILURE"
)

// TradingError is a categorized error carrying the component and operation
// in which it happened.
type TradingError struct {
	Category   Category
	Component  string
	Operation  string
	Message    string
	Underlying error
}

func (e *TradingError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

func (e *TradingError) Unwrap() error {
	return e.Underlying
}

// IsRetryable is true only for execution failures.
func (e *TradingError) IsRetryable() bool {
	return e.Category == CategoryExecution
}

func New(category Category, component, operation, message string) *TradingError {
	return &TradingError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// Wrap attaches category context to err. It returns nil for a nil err.
func Wrap(err error, category Category, component, operation string) error {
	if err == nil {
		return nil
	}
	return &TradingError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
	}
}

func Validation(component, operation, message string) *TradingError {
	return New(CategoryValidation, component, operation, message)
}

func Configuration(component, operation string, err error) error {
	return Wrap(err, CategoryConfiguration, component, operation)
}

func Execution(component, operation string, err error) error {
	return Wrap(err, CategoryExecution, component, operation)
}

func Persistence(component, operation string, err error) error {
	return Wrap(err, CategoryPersistence, component, operation)
}

// CategoryOf returns the category of the first TradingError in err's chain.
func CategoryOf(err error) (Category, bool) {
	var te *TradingError
	if stderrors.As(err, &te) {
		return te.Category, true
	}
	return "", false
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	c, ok := CategoryOf(err)
	return ok && c == category
}

// IsRetryable reports whether err should be retried by the retry coordinator.
func IsRetryable(err error) bool {
	var te *TradingError
	if stderrors.As(err, &te) {
		return te.IsRetryable()
	}
	return false
}
