package common

import (
	"errors"
	"fmt"
)

// Wire error codes carried in the code field of error messages.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
)

// Coded is implemented by errors that map to a wire error code.
type Coded interface {
	Code() string
}

// ErrUnauthorized is returned when a token is missing or invalid while
// authentication is required.
type ErrUnauthorized struct {
	Message string
}

func (e ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Message)
}

// Code returns the wire code for the error.
func (e ErrUnauthorized) Code() string { return CodeUnauthorized }

// ErrForbidden is returned when access to or editing of a resource is
// denied.
type ErrForbidden struct {
	Resource string
}

func (e ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Resource)
}

// Code returns the wire code for the error.
func (e ErrForbidden) Code() string { return CodeForbidden }

// ErrDocumentNotFound is returned when a document does not exist, or
// when an operation rebases on a version older than the retained
// history so the client must rejoin.
type ErrDocumentNotFound struct {
	ID DocumentID
}

func (e ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: %s", e.ID)
}

// Code returns the wire code for the error.
func (e ErrDocumentNotFound) Code() string { return CodeDocumentNotFound }

// ErrInvalidOperation is returned when an operation fails validation or
// a post-transform range check.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// Code returns the wire code for the error.
func (e ErrInvalidOperation) Code() string { return CodeInvalidOperation }

// ErrRateLimited is reserved for operation throttling.
type ErrRateLimited struct {
	Message string
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// Code returns the wire code for the error.
func (e ErrRateLimited) Code() string { return CodeRateLimited }

// ErrServerError wraps an unexpected internal failure.
type ErrServerError struct {
	Message string
}

func (e ErrServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Code returns the wire code for the error.
func (e ErrServerError) Code() string { return CodeServerError }

// ErrorCode returns the wire code for err. Errors that do not carry a
// code map to SERVER_ERROR.
func ErrorCode(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeServerError
}
