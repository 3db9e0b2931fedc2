// Package httputils holds small JSON response helpers shared by the hub's
// HTTP handlers.
package httputils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON marshals resp and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, resp interface{}) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteError logs err and writes it as a JSON error body with the given
// status code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, err error) {
	slog.Warn("Request failed", "remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
