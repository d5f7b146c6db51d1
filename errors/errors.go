// Package errors provides internal typed errors so that callers can
// distinguish, for example, a session that does not exist from a
// storage backend that is unreachable. These errors never travel to
// clients; the client-visible failure taxonomy lives in the probs
// package.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType provides a coarse category for ChocolateErrors.
type ErrorType int

const (
	InternalServer ErrorType = iota
	NotFound
	AlreadyExists
	Malformed
)

func (t ErrorType) Error() string {
	switch t {
	case InternalServer:
		return "internal server error"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Malformed:
		return "malformed"
	default:
		return "unknown error type"
	}
}

// ChocolateError represents internal errors.
type ChocolateError struct {
	Type   ErrorType
	Detail string
}

func (e *ChocolateError) Error() string {
	return e.Detail
}

// Unwrap lets errors.Is match a ChocolateError against its ErrorType.
func (e *ChocolateError) Unwrap() error {
	return e.Type
}

// New is a convenience function for creating a new ChocolateError.
func New(errType ErrorType, msg string, args ...any) error {
	return &ChocolateError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is tests the internal type of a ChocolateError.
func Is(err error, errType ErrorType) bool {
	var ce *ChocolateError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == errType
}

func InternalServerError(msg string, args ...any) error {
	return New(InternalServer, msg, args...)
}

func NotFoundError(msg string, args ...any) error {
	return New(NotFound, msg, args...)
}

func AlreadyExistsError(msg string, args ...any) error {
	return New(AlreadyExists, msg, args...)
}

func MalformedError(msg string, args ...any) error {
	return New(Malformed, msg, args...)
}
