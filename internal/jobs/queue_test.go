package jobs_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/jobs"
	"kidgate/internal/models"
	"kidgate/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*database.DB, *clock.Fake, *jobs.Queue, *models.Device) {
	t.Helper()
	return setupOn(t, testutil.NewDB(t))
}

func setupOn(t *testing.T, db *database.DB) (*database.DB, *clock.Fake, *jobs.Queue, *models.Device) {
	t.Helper()
	clk := testutil.NewClock()
	parent := testutil.CreateParent(t, db, "p@example.com")
	device := testutil.CreateDevice(t, db, "GG-AB12-9F", &parent.ID, models.DeviceActive)
	q := jobs.NewQueue(db, audit.New(db, zerolog.Nop(), clk), zerolog.Nop(), clk)
	return db, clk, q, device
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	_, _, q, device := setup(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Zero(t, job.Attempts)
	assert.JSONEq(t, `{}`, string(job.Payload))
	assert.Nil(t, job.DispatchedAt)

	for _, bad := range []string{"", "reboot", "1REBOOT", "RE-BOOT", strings.Repeat("A", 65)} {
		_, err := q.Enqueue(ctx, device.ID, bad, nil, "admin")
		assert.ErrorIs(t, err, apperr.ErrValidation, "type %q", bad)
	}

	_, err = q.Enqueue(ctx, device.ID, "CUSTOM_THING", json.RawMessage(`{not json`), "admin")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = q.Enqueue(ctx, device.ID, "BLOCK_APP", json.RawMessage(`{}`), "admin")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	custom, err := q.Enqueue(ctx, device.ID, "CUSTOM_THING", json.RawMessage(`[1, "two"]`), "admin")
	require.NoError(t, err)
	assert.JSONEq(t, `[1, "two"]`, string(custom.Payload))

	_, err = q.Enqueue(ctx, uuid.New(), "REBOOT", nil, "admin")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNextIsFIFO(t *testing.T) {
	_, clk, q, device := setup(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, device.ID, "LOCK_DEVICE", nil, "admin")
	require.NoError(t, err)
	// Same timestamp: the time-ordered id breaks the tie.
	second, err := q.Enqueue(ctx, device.ID, "UNLOCK_DEVICE", nil, "admin")
	require.NoError(t, err)
	clk.Advance(time.Second)
	third, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
	require.NoError(t, err)

	for _, want := range []*models.Job{first, second, third} {
		got, err := q.Next(ctx, device.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, models.JobRunning, got.Status)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.DispatchedAt)
	}

	none, err := q.Next(ctx, device.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNextIsScopedToDevice(t *testing.T) {
	db, _, q, device := setup(t)
	ctx := context.Background()
	other := testutil.CreateDevice(t, db, "ZZ-0000-01", nil, models.DeviceActive)

	_, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
	require.NoError(t, err)

	got, err := q.Next(ctx, other.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// pollConcurrently runs pollers calls to Next at once and returns the ids
// they claimed.
func pollConcurrently(t *testing.T, q *jobs.Queue, deviceID uuid.UUID, pollers int) []uuid.UUID {
	t.Helper()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []uuid.UUID
		errs    []error
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Next(context.Background(), deviceID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if got != nil {
				claimed = append(claimed, got.ID)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	return claimed
}

// SQLite holds a single connection, so pollers are serialized by the pool.
// TestConcurrentPollsPostgres covers row locking.
func TestConcurrentPollsClaimOnce(t *testing.T) {
	_, _, q, device := setup(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
	require.NoError(t, err)

	claimed := pollConcurrently(t, q, device.ID, 8)
	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0])

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestConcurrentPollsPostgres(t *testing.T) {
	_, _, q, device := setupOn(t, testutil.NewPostgresDB(t))
	ctx := context.Background()

	const queued = 5
	want := map[uuid.UUID]bool{}
	for i := 0; i < queued; i++ {
		job, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
		require.NoError(t, err)
		want[job.ID] = true
	}

	claimed := pollConcurrently(t, q, device.ID, 20)
	require.Len(t, claimed, queued)
	seen := map[uuid.UUID]bool{}
	for _, id := range claimed {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Equal(t, want, seen)

	for id := range want {
		stored, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
	}
}

func TestAck(t *testing.T) {
	db, _, q, device := setup(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, device.ID, "BLOCK_APP", json.RawMessage(`{"app_id":"roblox"}`), "admin")
	require.NoError(t, err)

	// Not yet dispatched.
	_, err = q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobCompleted})
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = q.Next(ctx, device.ID)
	require.NoError(t, err)

	_, err = q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobRunning})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobCompleted, Result: json.RawMessage(`{bad`)})
	require.ErrorIs(t, err, apperr.ErrValidation)

	other := testutil.CreateDevice(t, db, "ZZ-0000-01", nil, models.DeviceActive)
	_, err = q.Ack(ctx, other.ID, job.ID, jobs.AckRequest{Status: models.JobCompleted})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = q.Ack(ctx, device.ID, uuid.New(), jobs.AckRequest{Status: models.JobCompleted})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	done, err := q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{
		Status: models.JobCompleted,
		Result: json.RawMessage(`{"blocked":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.JSONEq(t, `{"blocked":true}`, string(*done.Result))
	assert.Nil(t, done.Error)
	require.NotNil(t, done.FinishedAt)

	again, err := q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobCompleted})
	require.NoError(t, err)
	assert.Equal(t, done.ID, again.ID)
	require.NotNil(t, again.Result)
	assert.JSONEq(t, `{"blocked":true}`, string(*again.Result))

	_, err = q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobError, Error: "late failure"})
	require.ErrorIs(t, err, apperr.ErrConflict)

	// A finished job is never dispatched again.
	next, err := q.Next(ctx, device.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestAckError(t *testing.T) {
	_, _, q, device := setup(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, device.ID, "REBOOT", nil, "admin")
	require.NoError(t, err)
	_, err = q.Next(ctx, device.ID)
	require.NoError(t, err)

	failed, err := q.Ack(ctx, device.ID, job.ID, jobs.AckRequest{Status: models.JobError, Error: "permission denied"})
	require.NoError(t, err)
	assert.Equal(t, models.JobError, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "permission denied", *failed.Error)
	assert.Nil(t, failed.Result)
}

func TestList(t *testing.T) {
	_, clk, q, device := setup(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, typ := range []string{"LOCK_DEVICE", "UNLOCK_DEVICE", "REBOOT"} {
		job, err := q.Enqueue(ctx, device.ID, typ, nil, "admin")
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clk.Advance(time.Second)
	}
	_, err := q.Next(ctx, device.ID)
	require.NoError(t, err)

	all, err := q.List(ctx, device.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	queued, err := q.List(ctx, device.ID, models.JobQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	_, err = q.List(ctx, device.ID, models.JobStatus("paused"), 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	empty, err := q.List(ctx, uuid.New(), "", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
