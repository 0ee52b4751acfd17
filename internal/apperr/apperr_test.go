package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{Unauthenticated("nope"), http.StatusUnauthorized, "unauthorized"},
		{TokenExpired(errors.New("exp")), http.StatusUnauthorized, "token_expired"},
		{InvalidToken(errors.New("sig")), http.StatusUnauthorized, "invalid_token"},
		{Forbidden("no"), http.StatusForbidden, "forbidden"},
		{Conflict("taken"), http.StatusConflict, "conflict"},
		{Validation("bad"), http.StatusBadRequest, "bad_request"},
		{NotFound("gone"), http.StatusNotFound, "not_found"},
		{errors.New("db down"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		kind := KindOf(tc.err)
		assert.Equal(t, tc.status, kind.HTTPStatus(), tc.code)
		assert.Equal(t, tc.code, kind.Code())
	}
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("bind: %w", Conflict("device already bound"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "device already bound", PublicMessage(Conflict("device already bound")))
	assert.Equal(t, "internal error", PublicMessage(fmt.Errorf("query: %w", errors.New("password=hunter2"))))
	assert.Equal(t, "not_found", PublicMessage(ErrNotFound))
}
