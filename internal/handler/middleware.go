package handler

import "net/http"

// requireService answers 503 for a route group whose service was not wired.
func requireService(available bool, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if available {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, name+" service not configured")
		})
	}
}
