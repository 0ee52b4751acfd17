package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/models"
	"kidgate/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"1.2.3":      "1.2.3",
		"v1.2":       "1.2.0",
		" 2 ":        "2.0.0",
		"1.4.0-rc.1": "1.4.0-rc.1",
		"build-77a":  "build-77a",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeVersion(in), "input %q", in)
	}
}

func TestRecordMergesTelemetry(t *testing.T) {
	db := testutil.NewDB(t)
	clk := testutil.NewClock()
	auditLog := audit.New(db, zerolog.Nop(), clk)
	c := NewCollector(db, auditLog, zerolog.Nop(), clk)
	ctx := context.Background()
	device := testutil.CreateDevice(t, db, "GG-AB12-9F", nil, models.DeviceActive)

	got, err := c.Record(ctx, "GG-AB12-9F", "10.0.0.7", Report{
		UIVersion:       "v3.1",
		FirmwareVersion: "fw-9",
		Model:           "Tab 8",
		Location:        json.RawMessage(`{"country":"NL"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(testutil.Epoch))
	assert.Equal(t, "3.1.0", *got.UIVersion)
	assert.Equal(t, "fw-9", *got.FirmwareVersion)
	assert.Equal(t, "10.0.0.7", *got.LastIP)
	require.NotNil(t, got.Location)
	assert.JSONEq(t, `{"country":"NL"}`, string(*got.Location))

	clk.Advance(time.Minute)
	got, err = c.Record(ctx, "GG-AB12-9F", "", Report{OSVersion: "14"})
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(testutil.Epoch.Add(time.Minute)))
	assert.Equal(t, "3.1.0", *got.UIVersion)
	assert.Equal(t, "fw-9", *got.FirmwareVersion)
	assert.Equal(t, "14", *got.OSVersion)
	assert.Equal(t, "10.0.0.7", *got.LastIP)
	assert.JSONEq(t, `{"country":"NL"}`, string(*got.Location))
	assert.Equal(t, device.ID, got.ID)

	entries, err := auditLog.List(ctx, "GG-AB12-9F", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecordReactivatesOfflineDevice(t *testing.T) {
	db := testutil.NewDB(t)
	c := NewCollector(db, nil, zerolog.Nop(), testutil.NewClock())
	testutil.CreateDevice(t, db, "GG-AB12-9F", nil, models.DeviceOffline)
	testutil.CreateDevice(t, db, "ZZ-0000-01", nil, models.DevicePending)

	got, err := c.Record(context.Background(), "GG-AB12-9F", "", Report{})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceActive, got.Status)

	got, err = c.Record(context.Background(), "ZZ-0000-01", "", Report{})
	require.NoError(t, err)
	assert.Equal(t, models.DevicePending, got.Status)
}

func TestRecordErrors(t *testing.T) {
	db := testutil.NewDB(t)
	c := NewCollector(db, nil, zerolog.Nop(), testutil.NewClock())
	testutil.CreateDevice(t, db, "GG-AB12-9F", nil, models.DeviceActive)

	_, err := c.Record(context.Background(), "ZZ-0000-00", "", Report{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

}

func TestRecordDropsMalformedLocation(t *testing.T) {
	db := testutil.NewDB(t)
	c := NewCollector(db, nil, zerolog.Nop(), testutil.NewClock())
	testutil.CreateDevice(t, db, "GG-AB12-9F", nil, models.DeviceActive)

	d, err := c.Record(context.Background(), "GG-AB12-9F", "", Report{
		UIVersion: "1.2.3",
		Location:  json.RawMessage(`{"lat":51.5,"lon":-0.12}`),
	})
	require.NoError(t, err)
	require.NotNil(t, d.Location)

	for _, raw := range []string{`"London"`, `[1,2]`, `42`} {
		d, err = c.Record(context.Background(), "GG-AB12-9F", "", Report{UIVersion: "1.2.4", Location: json.RawMessage(raw)})
		require.NoError(t, err, raw)
		require.NotNil(t, d.LastSeenAt, raw)
		require.NotNil(t, d.UIVersion, raw)
		assert.Equal(t, "1.2.4", *d.UIVersion, raw)
		assert.JSONEq(t, `{"lat":51.5,"lon":-0.12}`, string(*d.Location), raw)
	}
}
