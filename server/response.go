package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/teranos/hone/errors"
)

// maxJSONBody caps non-upload request bodies. The only large payload the
// API accepts is the multipart dataset upload, which has its own limit.
const maxJSONBody = 1 << 20

// writeJSON encodes data as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError answers with the API's {"error": message} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v, answering 400 or 413 itself
// on bad input so handlers can just return.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
	} else {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Request body is not valid JSON: %v", err))
	}
	return err
}
