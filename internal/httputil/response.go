package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/tracing"

	"github.com/sirupsen/logrus"
)

// WriteJSON encodes v as the response body
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes the standard error body.
// Server-side failures are logged; client errors are not.
func WriteError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError && logger != nil {
		apperrors.WrapLogger(logger).LogError(err, "Request failed", logrus.Fields(tracing.LogFields(r.Context())))
	}
	WriteJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

// DecodeJSON reads a JSON body of at most limit bytes into v. Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.NewValidationError("body", "", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return apperrors.NewValidationError("body", "", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}
