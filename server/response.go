package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rubato-io/rubato/errors"
)

// errorEnvelope is the JSON body of every non-2xx response.
type errorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: message})
}

// writeDomainError maps a domain error onto its HTTP status. Hints
// attached with errors.WithHint become the detail field so quota
// responses can say what to do about it.
func writeDomainError(w http.ResponseWriter, err error) {
	env := errorEnvelope{Error: err.Error()}
	if hints := errors.FlattenHints(err); hints != "" {
		env.Detail = hints
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForError(err))
	json.NewEncoder(w).Encode(env)
}

// statusForError maps the error sentinels onto HTTP statuses. Anything
// unclassified is a storage or internal failure.
func statusForError(err error) int {
	switch {
	case errors.IsInvalidRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// queryInt parses an integer query parameter, clamped to [0, max].
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
