package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrSessionNotFound matches an APIError with status 404.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired matches an APIError with status 410.
	ErrSessionExpired = errors.New("session expired")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Detail     string
	Code       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Is lets errors.Is match the session sentinels by status code.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSessionNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrSessionExpired:
		return e.StatusCode == http.StatusGone
	}
	return false
}

// errorBody is the backend's error shape.
type errorBody struct {
	Detail    json.RawMessage `json:"detail"`
	ErrorCode string          `json:"error_code"`
}

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrorFromResponse builds an APIError from a non-2xx response. The body is
// read but not closed.
func ErrorFromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if resp.Body == nil {
		return apiErr
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && len(eb.Detail) > 0 {
		apiErr.Code = eb.ErrorCode
		// detail is a string for handled errors and a list for validation errors.
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(eb.Detail)
		}
		return apiErr
	}

	apiErr.Detail = string(body)
	return apiErr
}
