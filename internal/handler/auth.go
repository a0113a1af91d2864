package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavelanni/schoolexam/internal/model"
)

const tokenIssuer = "schoolexam"

// Claims carried by bearer tokens. The subject is the student or staff id.
type Claims struct {
	Tenant string         `json:"tenant"`
	Role   model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// Auth signs and verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
}

// NewAuth creates an Auth with the shared secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Issue signs a token for p valid for ttl.
func (a *Auth) Issue(p model.Principal, ttl time.Duration) (string, error) {
	if p.Subject == "" || p.TenantID == "" {
		return "", errors.New("subject and tenant are required")
	}
	switch p.Role {
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", p.Role)
	}
	now := time.Now()
	claims := &Claims{
		Tenant: p.TenantID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies a token and returns the principal it asserts.
func (a *Auth) Parse(token string) (*model.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return nil, errors.New("token lacks subject or tenant")
	}
	return &model.Principal{Subject: claims.Subject, TenantID: claims.Tenant, Role: claims.Role}, nil
}

// authenticate reads the bearer token and stores the principal in the
// request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, model.ErrUnauthenticated)
			return
		}
		p, err := h.auth.Parse(raw)
		if err != nil {
			slog.Debug("rejected bearer token", "error", err)
			writeError(w, r, model.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithPrincipal(r.Context(), p)))
	})
}

// requireRole returns middleware that checks the caller has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := model.PrincipalFromContext(r.Context())
			if p == nil {
				writeError(w, r, model.ErrUnauthenticated)
				return
			}
			for _, role := range allowed {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, errForbidden)
		})
	}
}
