package pbschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors returned for common HTTP statuses.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")
)

// HTTPError captures the status and response message for non-2xx responses.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http error: status %d", e.Status)
	}
	return fmt.Sprintf("http error: status %d: %s", e.Status, e.Message)
}

// classifyHTTPError maps an HTTP status code to a sentinel error when possible.
func classifyHTTPError(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if status >= 500 {
		return ErrServer
	}
	return nil
}

// apiErrorBody is the JSON error envelope PocketBase returns.
type apiErrorBody struct {
	Status  int                        `json:"status"`
	Message string                     `json:"message"`
	Data    map[string]json.RawMessage `json:"data"`
}

// mapHTTPError converts a non-2xx response into an *HTTPError wrapped with the
// matching sentinel. It returns nil for 2xx statuses.
func mapHTTPError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	httpErr := &HTTPError{Status: status, Message: errorMessage(body)}
	if sentinel := classifyHTTPError(status); sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, httpErr)
	}
	return httpErr
}

// errorMessage extracts a readable message from a PocketBase error body,
// flattening per-field validation messages as "field: message".
func errorMessage(body []byte) string {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return ""
	}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return raw
	}

	details := flattenErrorData("", parsed.Data)
	switch {
	case parsed.Message != "" && len(details) > 0:
		return parsed.Message + " (" + strings.Join(details, "; ") + ")"
	case parsed.Message != "":
		return parsed.Message
	case len(details) > 0:
		return strings.Join(details, "; ")
	}
	return raw
}

func flattenErrorData(prefix string, data map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		var leaf struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data[k], &leaf); err == nil && leaf.Message != "" {
			out = append(out, path+": "+leaf.Message)
			continue
		}

		var nested map[string]json.RawMessage
		if err := json.Unmarshal(data[k], &nested); err == nil {
			out = append(out, flattenErrorData(path, nested)...)
		}
	}
	return out
}
