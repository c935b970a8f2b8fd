// Package errors maps handler failures to the status and message returned to
// API clients.
package errors

import (
	"errors"
	"net/http"
)

// Category classifies a ServiceError.
type Category int

const (
	// CategoryGeneralError is an unexpected service failure.
	CategoryGeneralError Category = iota
	// CategoryDataError means the client sent invalid data, e.g. a malformed id.
	CategoryDataError
	// CategoryUnauthorized means the request carried no valid credentials.
	CategoryUnauthorized
	// CategoryResourceNotFound means the addressed resource does not exist.
	CategoryResourceNotFound
	// CategoryDataConflict means the request conflicts with the resource's state.
	CategoryDataConflict
	// CategoryRecovering means the service is not ready but expected to recover.
	CategoryRecovering
)

var statusByCategory = map[Category]int{
	CategoryGeneralError:     http.StatusInternalServerError,
	CategoryDataError:        http.StatusBadRequest,
	CategoryUnauthorized:     http.StatusUnauthorized,
	CategoryResourceNotFound: http.StatusNotFound,
	CategoryDataConflict:     http.StatusConflict,
	CategoryRecovering:       http.StatusServiceUnavailable,
}

// ServiceError carries the message returned to the client next to the
// underlying error that is logged.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

func (err ServiceError) Unwrap() error {
	return err.Err
}

// StatusCode returns the HTTP status for the error's category.
func (err ServiceError) StatusCode() int {
	if code, ok := statusByCategory[err.Category]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Is reports whether err wraps a ServiceError of category cat.
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

func newError(cat Category, err error, message string) error {
	if err == nil {
		err = errors.New(message)
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// GeneralError hides err behind "Internal Server Error".
func GeneralError(err error) error {
	return newError(CategoryGeneralError, err, "Internal Server Error")
}

// BadRequestError returns a 400 error with message shown to the client.
func BadRequestError(err error, message string) error {
	return newError(CategoryDataError, err, message)
}

// UnAuthorizedError returns a 401 error with message shown to the client.
func UnAuthorizedError(err error, message string) error {
	return newError(CategoryUnauthorized, err, message)
}

// ResourceNotFoundError returns a 404 error with message shown to the client.
func ResourceNotFoundError(err error, message string) error {
	return newError(CategoryResourceNotFound, err, message)
}

// ConflictError returns a 409 error with message shown to the client.
func ConflictError(err error, message string) error {
	return newError(CategoryDataConflict, err, message)
}

// UnavailableError returns a 503 error with message shown to the client.
func UnavailableError(err error, message string) error {
	return newError(CategoryRecovering, err, message)
}
