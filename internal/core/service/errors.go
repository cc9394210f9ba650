package service

import (
	"errors"
	"net/http"
)

// ServiceError is a caller mistake (bad input) carrying the status code the
// API layer should answer with.
type ServiceError struct {
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

func NewServiceError(code int, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

func invalid(message string) *ServiceError {
	return NewServiceError(http.StatusBadRequest, message)
}

// IsInvalidInput reports whether err is a ServiceError with a 4xx code.
func IsInvalidInput(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}
