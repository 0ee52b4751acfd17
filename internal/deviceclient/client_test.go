package deviceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts only the most recently refreshed token.
func fakeServer(t *testing.T, refreshes *int32) *httptest.Server {
	t.Helper()
	var current atomic.Value
	current.Store("stale")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/device/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh_secret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": "invalid device credentials"})
			return
		}
		n := atomic.AddInt32(refreshes, 1)
		token := "token-" + string(rune('0'+n))
		current.Store(token)
		json.NewEncoder(w).Encode(map[string]interface{}{"token": token, "expires_at": time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("/api/device/jobs/next", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+current.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "token_expired", "message": "token expired"})
			return
		}
		w.Write([]byte(`{"job":null}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshOnExpiredToken(t *testing.T) {
	var refreshes int32
	srv := fakeServer(t, &refreshes)

	c := New(srv.URL+"/", "GG-AB12-9F", "s3cret", WithToken("old", time.Now()))
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))

	token, _ := c.Token()
	assert.Equal(t, "token-1", token)

	_, err = c.NextJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes), "valid token reused")
}

func TestRefreshWithoutToken(t *testing.T) {
	var refreshes int32
	srv := fakeServer(t, &refreshes)

	c := New(srv.URL, "GG-AB12-9F", "s3cret")
	_, err := c.NextJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestBadSecretSurfacesError(t *testing.T) {
	var refreshes int32
	srv := fakeServer(t, &refreshes)

	c := New(srv.URL, "GG-AB12-9F", "wrong", WithToken("old", time.Now()))
	_, err := c.NextJob(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, "unauthorized"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
