package lockserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// KeyClaims are the claims carried by an API key.
type KeyClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueKey signs an HS256 API key for role. A zero ttl never expires.
func IssueKey(secret, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := KeyClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "droneops-gcs",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseKey validates an API key and returns its claims.
func ParseKey(token, secret string) (*KeyClaims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	tok, err := jwt.ParseWithClaims(token, &KeyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return nil, err
	}
	c, _ := tok.Claims.(*KeyClaims)
	if c == nil || c.Role == "" {
		return nil, errors.New("invalid claims")
	}
	return c, nil
}

// bearer extracts the API key from the Authorization or apikey header.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.Header.Get("apikey")
}

// requireKey rejects requests without a valid API key. With no secret
// configured every request passes.
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := ParseKey(bearer(r), s.secret); err != nil {
			s.log.Debug("rejected api key", "path", r.URL.Path, "err", err)
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
