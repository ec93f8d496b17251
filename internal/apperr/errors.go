package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrPaymentExpired = errors.New("payment expired")
)

// ValidationError is malformed or rule-breaking input, safe to show the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type InsufficientStockError struct {
	SKU       string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d", e.SKU, e.Requested)
}

type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

type AmountMismatchError struct {
	PaymentID string
	Expected  int64
	Reported  int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s: amount mismatch, recorded %d, reported %d", e.PaymentID, e.Expected, e.Reported)
}

// ExternalServiceError is a transient provider or network failure.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying on a later run.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}

// IsBusiness reports whether err is a rule violation rather than an infrastructure failure.
func IsBusiness(err error) bool {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		transition *InvalidTransitionError
		mismatch   *AmountMismatchError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &stock) ||
		errors.As(err, &transition) ||
		errors.As(err, &mismatch) ||
		errors.Is(err, ErrPaymentExpired) ||
		errors.Is(err, ErrNotFound)
}
