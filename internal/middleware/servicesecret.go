package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/darkden-lab/notifier/internal/httputil"
)

// ServiceSecretHeader carries the secret shared with the API gateway.
const ServiceSecretHeader = "X-Service-Secret"

// ServiceSecretMiddleware only lets through requests presenting secret in
// the X-Service-Secret header. An empty secret disables the check.
func ServiceSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		want := []byte(secret)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(ServiceSecretHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httputil.WriteError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
