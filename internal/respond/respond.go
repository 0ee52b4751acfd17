// Package respond writes JSON responses and maps errors onto the public
// error body.
package respond

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"kidgate/internal/apperr"

	"github.com/rs/zerolog/hlog"
)

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// Error writes err as an error body. Internal errors are logged in full on
// the request logger and sent as an opaque message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Str("code", kind.Code()).Msg("Request rejected")
	}
	JSON(w, kind.HTTPStatus(), ErrorBody{Error: kind.Code(), Message: apperr.PublicMessage(err)})
}

const maxBodyBytes = 1 << 20

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

// DecodeOptional is Decode for endpoints where the body may be empty.
func DecodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("Invalid request body")
	}
	return nil
}
