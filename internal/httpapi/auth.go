package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "ADMIN"

var errNoSecret = errors.New("no signing secret configured")

type authContextKey struct{}

// Claims mirrors the tokens issued by the auth service.
type Claims struct {
	UserID int64  `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errNoSecret
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// RequireRole rejects requests without a valid bearer token (401) or whose
// token carries a different role (403).
func (a *Authenticator) RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.parse(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if claims.Role != role {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, claims)))
	}
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(authContextKey{}).(*Claims)
	return claims, ok
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
