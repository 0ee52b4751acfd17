package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kidgate/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestDeviceAuth(t *testing.T) {
	clk := testutil.NewClock()
	codec := testutil.DeviceCodec(t, clk)

	var seen string
	handler := DeviceAuth(codec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = DeviceCode(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/device/config", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	issued, err := codec.Mint("GG-AB12-9F", time.Hour)
	require.NoError(t, err)

	rec := serve(issued.Token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GG-AB12-9F", seen)

	rec = serve("")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))

	rec = serve("not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", errorCode(t, rec))

	session, err := testutil.SessionCodec(t, clk).Mint(uuid.NewString(), time.Hour)
	require.NoError(t, err)
	rec = serve(session.Token)
	assert.Equal(t, "invalid_token", errorCode(t, rec), "session token on device route")

	clk.Advance(2 * time.Hour)
	rec = serve(issued.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token_expired", errorCode(t, rec))
}

func TestSessionAuth(t *testing.T) {
	codec := testutil.SessionCodec(t, testutil.NewClock())
	parentID := uuid.New()

	var seen uuid.UUID
	handler := SessionAuth(codec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ParentID(r.Context())
	}))

	issued, err := codec.Mint(parentID.String(), time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("Authorization", "bearer "+issued.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, parentID, seen)

	notUUID, err := codec.Mint("someone", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+notUUID.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	cases := []struct {
		name       string
		configured string
		presented  string
		want       int
	}{
		{"match", "k3y", "k3y", http.StatusOK},
		{"mismatch", "k3y", "nope", http.StatusUnauthorized},
		{"missing header", "k3y", "", http.StatusUnauthorized},
		{"disabled", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/admin/jobs", nil)
			if tc.presented != "" {
				req.Header.Set("X-API-Key", tc.presented)
			}
			rec := httptest.NewRecorder()
			AdminAuth(tc.configured)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
