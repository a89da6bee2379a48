package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized matches any *APIError carrying a 401 status.
var ErrUnauthorized = errors.New("unauthorized")

// ErrResponseTooLarge is returned for successful responses whose body
// exceeds the read limit.
var ErrResponseTooLarge = errors.New("response body too large")

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Status     string // reason phrase, e.g. "Not Found"
	Body       string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Detail returns the "detail" message of a JSON error body, or the raw body.
func (e *APIError) Detail() string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			return d
		case nil:
		default:
			b, _ := json.Marshal(d)
			return string(b)
		}
	}
	return e.Body
}

// StatusCode returns the HTTP status of err when it wraps an *APIError, else 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
