package audit_test

import (
	"context"
	"testing"

	"kidgate/internal/audit"
	"kidgate/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPersistsEntry(t *testing.T) {
	db := testutil.NewDB(t)
	clk := testutil.NewClock()
	l := audit.New(db, zerolog.Nop(), clk)
	ctx := context.Background()

	l.LogWithIP(ctx, audit.EventDeviceActivated, "parent-1", "GG-AB12-9F", "10.0.0.7", map[string]interface{}{
		"consent_version": "2024-01",
	})
	clk.Advance(1)
	l.Log(ctx, audit.EventDeviceHeartbeat, "GG-AB12-9F", "GG-AB12-9F", nil)

	entries, err := l.List(ctx, "GG-AB12-9F", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, string(audit.EventDeviceHeartbeat), entries[0].Event)
	assert.Nil(t, entries[0].IP)
	assert.JSONEq(t, `{}`, string(entries[0].Details))

	assert.Equal(t, string(audit.EventDeviceActivated), entries[1].Event)
	require.NotNil(t, entries[1].IP)
	assert.Equal(t, "10.0.0.7", *entries[1].IP)
	assert.JSONEq(t, `{"consent_version":"2024-01"}`, string(entries[1].Details))
}

func TestLogIsBestEffort(t *testing.T) {
	db := testutil.NewDB(t)
	l := audit.New(db, zerolog.Nop(), nil)
	require.NoError(t, db.Close())

	assert.NotPanics(t, func() {
		l.Log(context.Background(), audit.EventLogin, "a", "b", nil)
	})

	var nilLogger *audit.Logger
	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), audit.EventLogin, "a", "b", nil)
	})
}
