package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const apiKeyHeader = "X-API-Key"

// requireAPIKey rejects requests whose API key header does not match key.
// With an empty key the server runs unauthenticated.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyHeader)
			switch {
			case got == "":
				sendError(w, "missing API key", http.StatusUnauthorized)
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				sendError(w, "API key rejected", http.StatusUnauthorized)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeEnvelope(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// sendSuccess writes data as a 200 response.
func sendSuccess(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, message string, statusCode int) {
	writeEnvelope(w, statusCode, APIResponse{Error: message})
}
