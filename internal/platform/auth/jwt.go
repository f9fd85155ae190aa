// Package auth verifies the bearer tokens presented to the read API and the
// staff endpoints. Tokens are HS256 with a shared secret; the subject is the
// user id and the role claim separates customers from staff.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
)

type contextKey string

const callerContextKey contextKey = "caller"

// Caller is the authenticated principal extracted from a verified token.
type Caller struct {
	UserID string
	Role   string
}

func (c Caller) IsStaff() bool {
	return c.Role == RoleStaff
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) ParseCaller(tokenString string) (Caller, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Caller{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return Caller{}, errors.New("missing subject claim")
	}
	if role != RoleCustomer && role != RoleStaff {
		return Caller{}, errors.New("unknown role claim")
	}
	return Caller{UserID: sub, Role: role}, nil
}

// IssueToken mints a token for the given caller. Used by staff tooling and
// tests; customer tokens normally come from the identity provider.
func (v *JWTVerifier) IssueToken(c Caller, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  c.UserID,
		"role": c.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	v, ok := ctx.Value(callerContextKey).(Caller)
	return v, ok
}

// Middleware rejects requests without a valid bearer token, except for paths
// in skipPaths (health and metrics stay open).
func Middleware(verifier *JWTVerifier, skipPaths []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			caller, err := verifier.ParseCaller(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
