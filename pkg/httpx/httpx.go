package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// NoStore marks a response as uncacheable. Everything that reads or sets
// auth cookies must not end up in shared caches.
func NoStore(w http.ResponseWriter) {
	w.Header().Set("cache-control", "no-store")
}

// Redirect issues a 302 to a same-site target.
func Redirect(w http.ResponseWriter, r *http.Request, target string) {
	NoStore(w)
	http.Redirect(w, r, target, http.StatusFound)
}
