package handlers

import (
	"net/http"

	"kidgate/internal/apperr"
	"kidgate/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// clientIP is the caller address as resolved by middleware.RealIP.
func clientIP(r *http.Request) string {
	return middleware.ClientIP(r)
}

func parentFrom(r *http.Request) (uuid.UUID, error) {
	id, ok := middleware.ParentID(r.Context())
	if !ok {
		return uuid.Nil, apperr.Unauthenticated("Unauthorized")
	}
	return id, nil
}

func deviceFrom(r *http.Request) (string, error) {
	code, ok := middleware.DeviceCode(r.Context())
	if !ok {
		return "", apperr.Unauthenticated("Unauthorized")
	}
	return code, nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, apperr.Validation("Invalid " + name)
	}
	return id, nil
}
