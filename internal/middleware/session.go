// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// SessionKey is the context key for the admin session.
	SessionKey ContextKey = "session"
)

// Staff roles carried by an admin session.
const (
	RoleAdmin = "admin"
	RoleInbox = "inbox"
)

// Session identifies a staff member of one city.
type Session struct {
	Subject  string
	CityID   string
	CityCode string
	Role     string
}

// SessionClaims are the signed contents of the session cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	CityID   string `json:"cityId"`
	CityCode string `json:"cityCode"`
	Role     string `json:"role"`
}

var errInvalidSession = errors.New("invalid session")

// SignSession issues a session token valid for ttl.
func SignSession(secret string, s Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		CityID:   s.CityID,
		CityCode: s.CityCode,
		Role:     s.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseSession verifies a session token.
func ParseSession(secret, tokenString string) (*Session, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidSession
	}
	if claims.CityID == "" || (claims.Role != RoleAdmin && claims.Role != RoleInbox) {
		return nil, errInvalidSession
	}
	return &Session{
		Subject:  claims.Subject,
		CityID:   claims.CityID,
		CityCode: claims.CityCode,
		Role:     claims.Role,
	}, nil
}

// RequireSession verifies the admin session cookie, or a bearer token with
// the same claims, and stores the session in the request context.
func RequireSession(secret, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := sessionToken(r, cookieName)
			if tokenString == "" {
				http.Error(w, `{"error":"missing session"}`, http.StatusUnauthorized)
				return
			}

			session, err := ParseSession(secret, tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// GetSession gets the admin session from context.
func GetSession(ctx context.Context) *Session {
	if v, ok := ctx.Value(SessionKey).(*Session); ok {
		return v
	}
	return nil
}

// RequireRole creates middleware that admits only the given roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := GetSession(r.Context())
			if session == nil {
				http.Error(w, `{"error":"missing session"}`, http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if session.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
		})
	}
}
