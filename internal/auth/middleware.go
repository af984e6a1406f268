package auth

import (
	"net/http"
	"strings"
)

// Middleware validates bearer tokens and enforces roles.
type Middleware struct {
	verifier *Verifier
	policy   Policy
}

// NewMiddleware constructs an auth middleware. A nil verifier disables checks.
func NewMiddleware(verifier *Verifier, policy Policy) *Middleware {
	return &Middleware{verifier: verifier, policy: policy}
}

// Wrap applies auth and role checks to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, guarded := m.policy.RequiredRole(r)
		if m.policy.IsExempt(r) || !guarded {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.verifier.Parse(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="allocation"`)
			deny(w, http.StatusUnauthorized)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			deny(w, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, claims.Subject)))
	})
}

func deny(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + strings.ToLower(http.StatusText(status)) + `"}`))
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
