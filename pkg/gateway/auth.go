package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on API requests.
const SecretHeader = "X-Drillops-Secret"

// AuthHandler checks the optional shared secret on trigger endpoints
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret disables the check.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Verify compares a presented secret in constant time
func (a *AuthHandler) Verify(presented string) bool {
	if a.sharedSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Wrap rejects requests without the shared secret.
func (a *AuthHandler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(r.Header.Get(SecretHeader)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
