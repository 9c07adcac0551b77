package server

import (
	"net/http"

	"github.com/systmms/keylife/internal/secure"
)

// AdminHeader carries the admin API token on every authenticated request.
const AdminHeader = "x-admin-api-key"

// requireAdmin rejects requests whose admin header does not match the
// enclave-held token. The comparison is constant time over digests, so
// response timing reveals nothing about the token.
func requireAdmin(token *secure.Token) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(AdminHeader)

			ok, err := token.Matches([]byte(presented))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", "credential check failed")
				return
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
