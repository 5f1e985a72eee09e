// Package authmw guards admin endpoints with static bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const realm = `Bearer realm="helpdesk-admin"`

// ParseTokens splits a comma separated token list, dropping blanks. Several
// tokens are accepted at once so an operator can rotate without downtime.
func ParseTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// BearerToken returns middleware that accepts a request only when its
// Authorization header carries one of the tokens in the comma separated list.
// Every candidate is compared in constant time. An empty list rejects all
// requests.
func BearerToken(tokens string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range ParseTokens(tokens) {
		expected = append(expected, []byte(t))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				reject(w, r, "missing or malformed authorization header")
				return
			}

			if !matches([]byte(auth[len("Bearer "):]), expected) {
				reject(w, r, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matches(got []byte, expected [][]byte) bool {
	ok := 0
	for _, e := range expected {
		ok |= subtle.ConstantTimeCompare(got, e)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.FromContext(r.Context()).Warn(r.Context(), "admin request rejected",
		"reason", reason,
		"path", r.URL.Path,
	)
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}` + "\n"))
}
