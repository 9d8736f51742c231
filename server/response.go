package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/teranos/segpulse/errors"
)

// maxRequestBody bounds JSON request bodies
const maxRequestBody = 1 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// readJSON decodes a JSON request body. With optional set an empty body
// leaves v untouched.
func readJSON(r *http.Request, v interface{}, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.Invalidf("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Mark(errors.Wrap(err, "invalid request body"), errors.ErrInvalidRequest)
	}
	return nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
