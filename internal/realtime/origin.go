package realtime

import (
	"net/http"
	"strings"
)

// NewOriginChecker returns a CheckOrigin function for a websocket.Upgrader
// that accepts the listed origins (case-insensitive) and requests without an
// Origin header.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
