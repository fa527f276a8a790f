// Package common holds the response writers shared by the HTTP handlers
package common

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorResponse is an RFC 8628 section 3.5 error body, used by the /auth endpoints
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SetJSONHeaders sets the headers every JSON response carries
func SetJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

// WriteError sends an OAuth error with status 400
func WriteError(w http.ResponseWriter, code string, description string) {
	WriteErrorStatus(w, http.StatusBadRequest, code, description)
}

// WriteErrorStatus sends an OAuth error with the given status
func WriteErrorStatus(w http.ResponseWriter, status int, code string, description string) {
	WriteJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: strings.TrimSpace(description),
	})
}

// WriteJSON encodes v with the given status. The body is encoded before the
// status is sent so an encoding failure can still become a 500.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		WriteJSONError(w, err)
		return
	}
	SetJSONHeaders(w)
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// WriteJSONError answers with a fixed server_error body when a response could not be encoded
func WriteJSONError(w http.ResponseWriter, err error) {
	SetJSONHeaders(w)
	w.WriteHeader(http.StatusInternalServerError)

	errResponse := []byte(`{"error":"server_error","error_description":"Failed to encode response"}`)
	if _, writeErr := w.Write(errResponse); writeErr != nil {
		return
	}
}
