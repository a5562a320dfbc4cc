// Package fault defines the error taxonomy shared by the sandbox
// lifecycle subsystems. Every caller-facing error carries exactly one
// category; categories classify the failing collaborator (local container
// engine, TEE provider API, sidecar HTTP, persistence) or the request
// itself (auth, validation, not-found).
package fault

import (
	"errors"
	"fmt"
)

// Category classifies a lifecycle error.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryDocker        Category = "docker"
	CategoryHTTP          Category = "http"
	CategoryValidation    Category = "validation"
	CategoryNotFound      Category = "not_found"
	CategoryStorage       Category = "storage"
	CategoryCloudProvider Category = "cloud_provider"
)

// Error is a categorized error. Rendered as a plain human-readable
// message at the external boundary; the category is for internal
// branching only and is never exposed as a structured code.
type Error struct {
	Category Category
	Message  string
	Err      error

	// StatusCode holds the upstream HTTP status for http and
	// cloud_provider errors; zero otherwise.
	StatusCode int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized error with a formatted message.
func New(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category and message to an underlying error.
// A nil err returns nil.
func Wrap(cat Category, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or anything it wraps) carries the category.
func Is(err error, cat Category) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category == cat
	}
	return false
}

// Auth builds an auth-category error.
func Auth(format string, args ...any) *Error {
	return New(CategoryAuth, format, args...)
}

// Validation builds a validation-category error.
func Validation(format string, args ...any) *Error {
	return New(CategoryValidation, format, args...)
}

// NotFound builds a not-found-category error.
func NotFound(format string, args ...any) *Error {
	return New(CategoryNotFound, format, args...)
}
