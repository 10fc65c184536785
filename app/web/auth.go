package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// adminOnly protects destructive endpoints with basic auth when a password
// hash is configured, pass-through otherwise
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && username == "medq" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.AuthHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="medq admin"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
