package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically. If encoding fails,
// a 500 error is written instead.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a JSON error response with a machine-readable code. The chi
// request id, when present, rides along as details.requestId so support can
// correlate a client-reported error with the server logs.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ErrorWithDetails(w, r, status, code, message, nil)
}

// ErrorWithDetails writes a JSON error response carrying extra context,
// e.g. field-level validation messages. The request id is merged into the
// details map.
func ErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if id := middleware.GetReqID(r.Context()); id != "" {
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["requestId"] = id
	}
	JSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusNotFound, "NOT_FOUND", message)
}

// Unprocessable writes a 422 validation error.
func Unprocessable(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// maxBodyBytes caps request bodies; batch payloads of 100 items fit well
// under this.
const maxBodyBytes = 1 << 20

// Decode reads JSON from the request body into dst. Unknown fields and
// trailing garbage are rejected. Returns false and writes a 422 response
// if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		Unprocessable(w, r, "invalid JSON: "+decodeErrMessage(err))
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		Unprocessable(w, r, "invalid JSON: body must contain a single object")
		return false
	}
	return true
}

func decodeErrMessage(err error) string {
	var maxErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxErr):
		return fmt.Sprintf("body exceeds %d bytes", maxErr.Limit)
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Sprintf("wrong type for field %q", typeErr.Field)
	case errors.Is(err, io.EOF):
		return "empty body"
	default:
		return err.Error()
	}
}
