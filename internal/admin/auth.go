package admin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware guards everything under /api/ with a bearer token,
// adapted from the teacher's AuthMiddleware. /healthz is exempt (spec.md
// §4.10).
type authMiddleware struct {
	token string
}

func newAuthMiddleware(token string) *authMiddleware {
	return &authMiddleware{token: token}
}

func (am *authMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.token == "" {
			// No token configured: admin surface runs unauthenticated,
			// e.g. for local development.
			next.ServeHTTP(w, r)
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if token != am.token {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamClaims carries the clip path of a signed clip-access token,
// mirroring the teacher's stream-token pattern. generateClipToken and
// verifyClipToken sign and check such tokens; no route of the admin server
// issues or accepts them.
type streamClaims struct {
	jwt.RegisteredClaims
}

func (am *authMiddleware) generateClipToken(clipPath string, ttl time.Duration) (string, error) {
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clipPath,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(am.token))
	if err != nil {
		return "", fmt.Errorf("admin: sign clip token: %w", err)
	}
	return ss, nil
}

func (am *authMiddleware) verifyClipToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &streamClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(am.token), nil
	})
	if err != nil {
		return "", fmt.Errorf("admin: parse clip token: %w", err)
	}
	claims, ok := token.Claims.(*streamClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("admin: invalid clip token")
	}
	return claims.Subject, nil
}
