package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON serializes v as the response body with the JSON content type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports a failure in the {"detail": ...} shape shared by every
// JSON endpoint.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
