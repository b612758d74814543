package server

import (
	"encoding/json"
	"net/http"

	"github.com/mood-agency/funny/internal/errors"
)

type apiError struct {
	Status  int
	Message string
	Code    string
	Reason  string
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

// errorFor maps a command error to its HTTP status by kind.
func errorFor(err error) *apiError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindResource:
		status = http.StatusConflict
	case errors.KindRuntime:
		status = http.StatusBadGateway
	}
	return &apiError{Status: status, Message: err.Error(), Reason: string(errors.ReasonOf(err))}
}

func badRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: msg}
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusBadGateway:
		return "runtime_error"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	writeJSON(w, err.Status, errorResponse{Error: err.Message, Code: code, Reason: err.Reason})
}
