package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (broker.User, error)
}

// HeaderAuthenticator trusts the X-User-ID and X-User-Name headers, falling
// back to the user_id and username query parameters for browser websocket
// clients that cannot set headers. It is meant to sit behind a proxy that
// sets them.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (broker.User, error) {
	id, name := r.Header.Get("X-User-ID"), r.Header.Get("X-User-Name")
	if id == "" {
		q := r.URL.Query()
		id, name = q.Get("user_id"), q.Get("username")
	}
	if id == "" {
		return broker.User{}, ErrUnauthenticated
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return broker.User{}, ErrUnauthenticated
	}
	return broker.User{ID: n, Name: name}, nil
}

type userKey struct{}

// WithUser stores the authenticated user, if any, in the request context.
// Handlers decide whether an anonymous request is acceptable.
func WithUser(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, err := auth.Authenticate(r); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userKey{}, u))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFrom returns the user stored by WithUser.
func UserFrom(ctx context.Context) (broker.User, bool) {
	u, ok := ctx.Value(userKey{}).(broker.User)
	return u, ok
}

func requireUser(ctx context.Context) (broker.User, error) {
	u, ok := UserFrom(ctx)
	if !ok {
		return broker.User{}, huma.Error401Unauthorized("missing or invalid user identity")
	}
	return u, nil
}
