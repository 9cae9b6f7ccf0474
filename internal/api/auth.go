package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const merchantIDKey contextKey = "merchant_id"

var pinPattern = regexp.MustCompile(`^\d{6}$`)

// ValidPIN reports whether pin is exactly six digits.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

func (s *Server) issueToken(merchantID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": merchantID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// requireAuth wraps a handler with bearer-token verification. The merchant ID
// from the token subject is placed on the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.Logger.Warningf("Rejected token: %v", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			writeError(w, http.StatusUnauthorized, "invalid token subject")
			return
		}

		ctx := context.WithValue(r.Context(), merchantIDKey, sub)
		next(w, r.WithContext(ctx))
	}
}

func merchantIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(merchantIDKey).(string)
	return id
}
