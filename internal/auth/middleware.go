package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const PhoneKey contextKey = "phone"

// Middleware rejects requests without a valid bearer token and stores the
// token's phone number in the request context
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "authorization header required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeUnauthorized(w, "invalid authorization format")
				return
			}

			phone, err := tokens.Validate(parts[1])
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPhone(r.Context(), phone)))
		})
	}
}

// QueryToken authenticates a websocket upgrade, where browsers cannot set
// headers: the token comes from the "token" query parameter, falling back to
// the Authorization header.
func QueryToken(tokens *TokenService, r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			raw = parts[1]
		}
	}
	if raw == "" {
		return "", ErrUnauthorized
	}
	return tokens.Validate(raw)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

// WithPhone returns ctx carrying the authenticated phone number
func WithPhone(ctx context.Context, phone string) context.Context {
	return context.WithValue(ctx, PhoneKey, phone)
}

// GetPhone extracts the authenticated phone number from context
func GetPhone(ctx context.Context) (string, bool) {
	phone, ok := ctx.Value(PhoneKey).(string)
	return phone, ok && phone != ""
}

var ErrUnauthorized = &HTTPError{Status: http.StatusUnauthorized, Message: "unauthorized"}

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}
