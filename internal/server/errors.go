package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/systmms/keylife/internal/keystore"
	"github.com/systmms/keylife/internal/lifecycle"
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, apiError{Error: code, ErrorDescription: desc})
}

// writeLifecycleError maps a lifecycle or store error onto the API's
// status codes. The ordering matters where sentinels overlap: the most
// specific match wins.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
	case errors.Is(err, keystore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no key record with that id")
	case errors.Is(err, keystore.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", "a key record with that id already exists")
	case errors.Is(err, lifecycle.ErrRotationInProgress):
		writeError(w, http.StatusConflict, "rotation_in_progress", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	// An incomplete rotation usually wraps the generation failure that
	// caused it, so it must be checked first: the two outcomes demand
	// different operator action (manual fix versus safe retry).
	case errors.Is(err, lifecycle.ErrRotationIncomplete):
		writeError(w, http.StatusInternalServerError, "rotation_incomplete", err.Error())
	case errors.Is(err, lifecycle.ErrGenerationFailed):
		writeError(w, http.StatusBadGateway, "generation_failed", err.Error())
	case errors.Is(err, lifecycle.ErrRotationFailed):
		writeError(w, http.StatusServiceUnavailable, "rotation_failed", err.Error())
	case errors.Is(err, keystore.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "the record changed underneath the request; retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// readJSON decodes a JSON body, tolerating unknown fields, with a 1MB
// cap. An empty body decodes to the zero value.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return true
	}
	if ct := strings.ToLower(r.Header.Get("Content-Type")); ct != "" && !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusBadRequest, "invalid_json", "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return false
	}
	return true
}
