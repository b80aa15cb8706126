package baas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound indicates no persisted session exists for the storage key.
	ErrSessionNotFound = errors.New("baas.session_store.not_found")
	// ErrUnsupportedStore indicates the session store URL scheme is unknown.
	ErrUnsupportedStore = errors.New("baas.session_store.unsupported_scheme")

	errMissingBaseURL = errors.New("baas.missing_base_url")
	errMissingAPIKey  = errors.New("baas.missing_api_key")
	errEmptyStoreKey  = errors.New("baas.session_store.empty_key")
)

// PostgREST answers a single-object request that matched no rows with this code.
const codeNoRows = "PGRST116"

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error describes the failure.
func (apiErr *APIError) Error() string {
	if apiErr.Code == "" {
		return fmt.Sprintf("baas status %d: %s", apiErr.Status, apiErr.Message)
	}
	return fmt.Sprintf("baas status %d (%s): %s", apiErr.Status, apiErr.Code, apiErr.Message)
}

// StatusCode exposes the HTTP status for retry classification.
func (apiErr *APIError) StatusCode() int {
	return apiErr.Status
}

// errorBody covers both the auth service and the table service error shapes.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
}

func decodeAPIError(status int, payload []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body errorBody
	if err := json.Unmarshal(payload, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(payload))
		return apiErr
	}
	var textCode string
	if len(body.Code) > 0 && json.Unmarshal(body.Code, &textCode) == nil {
		apiErr.Code = textCode
	}
	if body.ErrorCode != "" {
		apiErr.Code = body.ErrorCode
	}
	if apiErr.Code == "" {
		apiErr.Code = body.Error
	}
	for _, candidate := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
		if candidate != "" {
			apiErr.Message = candidate
			break
		}
	}
	return apiErr
}
