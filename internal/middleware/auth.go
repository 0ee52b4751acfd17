package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"kidgate/internal/apperr"
	"kidgate/internal/auth"
	"kidgate/internal/respond"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type contextKey int

const (
	parentKey contextKey = iota
	deviceKey
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// verify maps codec failures onto the error taxonomy, keeping expired
// distinguishable so devices know to refresh.
func verify(codec *auth.Codec, r *http.Request) (*auth.Claims, error) {
	token := BearerToken(r)
	if token == "" {
		return nil, apperr.Unauthenticated("Missing authorization")
	}
	claims, err := codec.Verify(token)
	if errors.Is(err, auth.ErrTokenExpired) {
		return nil, apperr.TokenExpired(err)
	}
	if err != nil {
		return nil, apperr.InvalidToken(err)
	}
	return claims, nil
}

// SessionAuth requires a parent session token.
func SessionAuth(codec *auth.Codec) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verify(codec, r)
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			parentID, err := uuid.Parse(claims.Subject)
			if err != nil {
				respond.Error(w, r, apperr.InvalidToken(err))
				return
			}

			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("parent_id", parentID.String())
			})
			ctx := context.WithValue(r.Context(), parentKey, parentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceAuth requires a device bearer token. The device code is the
// token subject.
func DeviceAuth(codec *auth.Codec) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verify(codec, r)
			if err != nil {
				respond.Error(w, r, err)
				return
			}

			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("device_code", claims.Subject)
			})
			ctx := context.WithValue(r.Context(), deviceKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth requires the service key in X-API-Key. An empty key disables
// the admin surface.
func AdminAuth(apiKey string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if apiKey == "" || presented == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				respond.Error(w, r, apperr.Unauthenticated("Invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParentID returns the authenticated parent of a session request.
func ParentID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(parentKey).(uuid.UUID)
	return id, ok
}

// DeviceCode returns the authenticated device of a bearer request.
func DeviceCode(ctx context.Context) (string, bool) {
	code, ok := ctx.Value(deviceKey).(string)
	return code, ok
}

// WithParentID and WithDeviceCode build authenticated contexts directly.
func WithParentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, parentKey, id)
}

func WithDeviceCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, deviceKey, code)
}
