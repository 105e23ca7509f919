package handlers

import (
	"net/http"
)

// NotFoundHandler handles all unmatched routes (404)
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":  "Not Found",
		"path":   r.URL.Path,
		"method": r.Method,
	})
}
