/*Package access provides utilities for access control.

An Identity carries the authenticated user's id and system role. Identities
are added to a request context by the bearer-token middleware with

	ctx = identity.ContextWithIdentity(ctx)

and retrieved in route handlers with

	identity, ok := access.IdentityFromContext(ctx)
*/
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/failpark/zeiterfassung2/core/logger"
)

// the errors the access layer can produce; the backend maps them to
// http status codes and json bodies
var (
	ErrUnauthenticated  = errors.New("Unauthenticated user")
	ErrForbidden        = errors.New("User does not have access rights")
	ErrInvalidToken     = errors.New("Invalid access token")
	ErrWrongCredentials = errors.New("Wrong Credentials")
)

// Role is the closed set of system roles. Unknown values are rejected
// when decoding payloads, not when checking authorization.
type Role string

// all supported system roles
const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = Role(s)
	switch *r {
	case RoleAdmin, RoleUser:
		return nil
	default:
		return fmt.Errorf("%s is not a valid role", s)
	}
}

// Identity is the minimal authenticated identity carried in tokens and
// request contexts: enough to authorize without a database round-trip.
type Identity struct {
	UserID int64 `json:"id"`
	Role   Role  `json:"role"`
}

// RequireAdmin returns ErrForbidden unless the identity has the admin role.
func (i Identity) RequireAdmin() error {
	if i.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// RequireSelfOrAdmin returns ErrForbidden unless the identity refers to the
// given user or has the admin role.
func (i Identity) RequireSelfOrAdmin(userID int64) error {
	if i.UserID != userID && i.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

type contextKey string

const contextKeyIdentity contextKey = "_identity_"

// ContextWithIdentity returns a new context with this identity added to it
func (i Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, i)
}

// IdentityFromContext retrieves an identity from the context
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	i, ok := ctx.Value(contextKeyIdentity).(Identity)
	return i, ok
}

// NewMiddleware returns a middleware handler that validates the
// "Authorization: Bearer" token with the given tokenizer.
//
// This is a final handler with regards to the bearer token: a missing or
// invalid token short-circuits the request with http.StatusUnauthorized
// before any route handler runs. On success the resolved identity is stored
// in the request context and added to the request logger.
func NewMiddleware(tokenizer *Tokenizer) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := IdentityFromContext(r.Context()); ok { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}

			bearer := r.Header.Get("Authorization")
			if len(bearer) < 8 || !strings.EqualFold(bearer[:7], "bearer ") {
				writeUnauthorized(w, ErrUnauthenticated)
				return
			}
			tokenString := strings.TrimSpace(bearer[7:])
			if len(tokenString) == 0 {
				writeUnauthorized(w, ErrUnauthenticated)
				return
			}

			identity, err := tokenizer.Verify(tokenString)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}

			ctx := identity.ContextWithIdentity(r.Context())
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, strconv.FormatInt(identity.UserID, 10))
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}{Error: err.Error(), Code: http.StatusUnauthorized})
	w.Write(body)
}
