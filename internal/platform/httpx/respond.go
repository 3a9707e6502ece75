// Package httpx provides JSON response utilities shared by HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends the minimal error envelope used across the API.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{"error": message})
}

// ErrorWith sends the error envelope with additional fields.
func ErrorWith(w http.ResponseWriter, status int, message string, extras map[string]any) {
	body := map[string]any{"error": message}
	for k, v := range extras {
		body[k] = v
	}
	JSON(w, status, body)
}

// DecodeJSON decodes a JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
