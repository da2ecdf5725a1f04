package handlers

import (
	"encoding/json"
	"net/http"

	"bitespeed/internal/domainerrors"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent, so an encoding failure cannot change the status.
	_ = json.NewEncoder(w).Encode(response)
}

// writeError translates a domain error into its HTTP status and JSON body.
// Server-side failures get a generic description so stored data never leaks.
func writeError(w http.ResponseWriter, err error) {
	code := domainerrors.CodeOf(err)
	status := statusFor(code)

	resp := errorResponse{Error: string(code)}
	if status < http.StatusInternalServerError || code == domainerrors.CodeTimeout {
		resp.ErrorDescription = err.Error()
	} else {
		resp.ErrorDescription = "internal server error"
	}
	writeJSON(w, status, resp)
}

func statusFor(code domainerrors.Code) int {
	switch code {
	case domainerrors.CodeValidation:
		return http.StatusBadRequest
	case domainerrors.CodeConflict:
		return http.StatusConflict
	case domainerrors.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
