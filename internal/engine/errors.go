package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error raised by the engine itself, as opposed to a
// backend failure (those are normalized by the fault package).
//
// Runtime errors include:
//   - Stale generation: work finished after the identity changed
//   - Invalid input: a mutation was rejected before reaching the backend
//   - Engine stopped: the engine no longer accepts work
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Request is the request token of the affected operation.
	Request string

	// LineID identifies the affected cart line, if any.
	LineID string

	// Generation is the identity generation the work was started under.
	Generation int64
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeStaleGeneration: the identity changed while the request was
	// in flight, so its result was discarded.
	ErrCodeStaleGeneration RuntimeErrorCode = "STALE_GENERATION"

	// ErrCodeInvalidQuantity: a negative quantity was requested.
	ErrCodeInvalidQuantity RuntimeErrorCode = "INVALID_QUANTITY"

	// ErrCodeInvalidProduct: the product has no id.
	ErrCodeInvalidProduct RuntimeErrorCode = "INVALID_PRODUCT"

	// ErrCodeEngineStopped: Stop was called.
	ErrCodeEngineStopped RuntimeErrorCode = "ENGINE_STOPPED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Request != "" && e.LineID != "" {
		return fmt.Sprintf("%s: %s (request=%s, line=%s)", e.Code, e.Message, e.Request, e.LineID)
	}
	if e.Request != "" {
		return fmt.Sprintf("%s: %s (request=%s)", e.Code, e.Message, e.Request)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, codes ...RuntimeErrorCode) bool {
	var re *RuntimeError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

// IsStaleGeneration reports whether err is a discarded stale result.
func IsStaleGeneration(err error) bool {
	return hasCode(err, ErrCodeStaleGeneration)
}

// IsInvalidInput reports whether err is a locally rejected mutation.
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidQuantity, ErrCodeInvalidProduct)
}

// IsEngineStopped reports whether err was caused by a stopped engine.
func IsEngineStopped(err error) bool {
	return hasCode(err, ErrCodeEngineStopped)
}

// NewStaleGenerationError creates a RuntimeError for a discarded result.
func NewStaleGenerationError(request, lineID string, gen int64) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeStaleGeneration,
		Message:    fmt.Sprintf("identity changed after generation %d", gen),
		Request:    request,
		LineID:     lineID,
		Generation: gen,
	}
}

// NewInvalidQuantityError creates a RuntimeError for a negative quantity.
func NewInvalidQuantityError(request, lineID string, quantity int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidQuantity,
		Message: fmt.Sprintf("quantity must not be negative, got %d", quantity),
		Request: request,
		LineID:  lineID,
	}
}

// NewInvalidProductError creates a RuntimeError for a product without id.
func NewInvalidProductError(request string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidProduct,
		Message: "product id is required",
		Request: request,
	}
}

// NewEngineStoppedError creates a RuntimeError for work after Stop.
func NewEngineStoppedError() *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEngineStopped,
		Message: "engine is stopped",
	}
}
