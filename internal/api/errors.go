package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ApiError struct {
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
	Err        error     `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewApiError(statusCode int, message string) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

func NewBadRequestError() *ApiError {
	return NewApiError(http.StatusBadRequest, lower(http.StatusText(http.StatusBadRequest)))
}

func NewNotFoundError() *ApiError {
	return NewApiError(http.StatusNotFound, lower(http.StatusText(http.StatusNotFound)))
}

func NewUnauthorizedError() *ApiError {
	return NewApiError(http.StatusUnauthorized, lower(http.StatusText(http.StatusUnauthorized)))
}

func NewForbiddenError() *ApiError {
	return NewApiError(http.StatusForbidden, lower(http.StatusText(http.StatusForbidden)))
}

func NewConflictError(message string) *ApiError {
	return NewApiError(http.StatusConflict, message)
}

func NewTooManyRequestsError() *ApiError {
	return NewApiError(http.StatusTooManyRequests, lower(http.StatusText(http.StatusTooManyRequests)))
}

// NewInternalServerError keeps the underlying error out of the
// response body; it is only logged server-side.
func NewInternalServerError(err error) *ApiError {
	e := NewApiError(http.StatusInternalServerError, lower(http.StatusText(http.StatusInternalServerError)))
	e.Err = err
	return e
}
