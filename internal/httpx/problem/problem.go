// SPDX-License-Identifier: MIT

// Package problem renders the control plane's JSON error envelope:
// {"error": {"code", "message", "details?"}, "status": N} with the HTTP
// status mirrored in the body. Route handlers and module extensions
// share it so every surface fails the same way.
package problem

import (
	"encoding/json"
	"net/http"
)

// Error codes the control plane maps failures onto.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeMissingField   = "MISSING_FIELD"
	CodeInternal       = "INTERNAL_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeModuleNotFound = "MODULE_NOT_FOUND"
	CodeSessionActive  = "session_already_active"
	CodeNoSession      = "no_active_session"
	CodeTrialActive    = "trial_already_active"
	CodeNoTrial        = "no_active_trial"
	CodeNotWireless    = "NOT_WIRELESS_DEVICE"
	CodeForbidden      = "FORBIDDEN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "MODULE_UNAVAILABLE"
)

// Body is the envelope shape.
type Body struct {
	Error  Detail `json:"error"`
	Status int    `json:"status"`
}

// Detail is the inner error record.
type Detail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes any payload with the given HTTP status. Encoding failures
// are swallowed; headers are already gone by then.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write renders one error envelope.
func Write(w http.ResponseWriter, status int, code, message string) {
	WriteDetails(w, status, code, message, nil)
}

// WriteDetails renders one error envelope with extra context.
func WriteDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	JSON(w, status, Body{
		Error:  Detail{Code: code, Message: message, Details: details},
		Status: status,
	})
}

// Validation is the 400 VALIDATION_ERROR shorthand.
func Validation(w http.ResponseWriter, message string) {
	Write(w, http.StatusBadRequest, CodeValidation, message)
}

// MissingField is the 400 MISSING_FIELD shorthand.
func MissingField(w http.ResponseWriter, field string) {
	WriteDetails(w, http.StatusBadRequest, CodeMissingField, "missing required field",
		map[string]any{"field": field})
}

// Internal is the 500 INTERNAL_ERROR shorthand. The error text is
// passed through; sanitise before calling when it may carry paths.
func Internal(w http.ResponseWriter, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	Write(w, http.StatusInternalServerError, CodeInternal, msg)
}

// NotFound is the 404 shorthand.
func NotFound(w http.ResponseWriter, message string) {
	Write(w, http.StatusNotFound, CodeNotFound, message)
}
