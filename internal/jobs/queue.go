// Package jobs is the durable per-device command queue. Jobs are claimed
// oldest-first with a single conditional write and acknowledged by the
// device that claimed them.
package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/clock"
	"kidgate/internal/commands"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var typePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type Queue struct {
	db    *database.DB
	audit *audit.Logger
	clock clock.Clock
	log   zerolog.Logger
}

func NewQueue(db *database.DB, auditLog *audit.Logger, log zerolog.Logger, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		db:    db,
		audit: auditLog,
		clock: clk,
		log:   log.With().Str("component", "jobs").Logger(),
	}
}

// Enqueue appends a queued job for an existing device. An empty payload is
// stored as {}.
func (q *Queue) Enqueue(ctx context.Context, deviceID uuid.UUID, jobType string, payload json.RawMessage, actor string) (*models.Job, error) {
	if !typePattern.MatchString(jobType) {
		return nil, apperr.Validation("type must match " + typePattern.String())
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, apperr.Validation("payload must be valid JSON")
	}
	if cmd := commands.Get(jobType); cmd != nil {
		if err := cmd.Validate(payload); err != nil {
			return nil, apperr.Validation(err.Error())
		}
	}

	var exists bool
	err := q.db.GetContext(ctx, &exists, q.db.Rebind(`SELECT EXISTS (SELECT 1 FROM devices WHERE id = ?)`), deviceID)
	if err != nil {
		return nil, fmt.Errorf("check device: %w", err)
	}
	if !exists {
		return nil, apperr.NotFound("device not found")
	}

	// v7 ids are time-ordered, which breaks created_at ties in FIFO order.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()

	var job models.Job
	err = q.db.GetContext(ctx, &job, q.db.Rebind(`
		INSERT INTO device_jobs (id, device_id, type, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?)
		RETURNING `+models.JobColumns), id, deviceID, jobType, string(payload), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	q.log.Info().
		Str("job_id", job.ID.String()).
		Str("device_id", deviceID.String()).
		Str("type", jobType).
		Msg("Job enqueued")
	q.audit.Log(ctx, audit.EventJobEnqueued, actor, deviceID.String(), map[string]interface{}{
		"job_id": job.ID.String(),
		"type":   jobType,
	})
	return &job, nil
}

// Next claims the oldest queued job of a device and marks it running. It
// returns nil, nil when the queue is empty.
func (q *Queue) Next(ctx context.Context, deviceID uuid.UUID) (*models.Job, error) {
	now := q.clock.Now()

	var job models.Job
	err := q.db.GetContext(ctx, &job, q.db.Rebind(`
		UPDATE device_jobs
		SET status = 'running', attempts = attempts + 1, dispatched_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM device_jobs
			WHERE device_id = ? AND status = 'queued'
			ORDER BY created_at, id
			LIMIT 1`+q.db.LockClause()+`
		)
		AND status = 'queued'
		RETURNING `+models.JobColumns), now, now, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	q.log.Debug().
		Str("job_id", job.ID.String()).
		Str("device_id", deviceID.String()).
		Int("attempts", job.Attempts).
		Msg("Job dispatched")
	return &job, nil
}

// AckRequest is the device's report for a job it ran.
type AckRequest struct {
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Ack moves a running job of deviceID to a terminal status. Repeating an ack
// with the same status returns the job unchanged.
func (q *Queue) Ack(ctx context.Context, deviceID, jobID uuid.UUID, req AckRequest) (*models.Job, error) {
	if !req.Status.Terminal() {
		return nil, apperr.Validation("status must be completed or error")
	}
	var result *string
	if r := bytes.TrimSpace(req.Result); len(r) > 0 {
		if !json.Valid(r) {
			return nil, apperr.Validation("result must be valid JSON")
		}
		s := string(r)
		result = &s
	}
	var errMsg *string
	if req.Error != "" {
		errMsg = &req.Error
	}

	now := q.clock.Now()
	var job models.Job
	err := q.db.GetContext(ctx, &job, q.db.Rebind(`
		UPDATE device_jobs
		SET status = ?, result = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND device_id = ? AND status = 'running'
		RETURNING `+models.JobColumns), req.Status, result, errMsg, now, now, jobID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return q.resolveAck(ctx, deviceID, jobID, req.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("ack job: %w", err)
	}

	q.log.Info().
		Str("job_id", job.ID.String()).
		Str("device_id", deviceID.String()).
		Str("status", string(job.Status)).
		Msg("Job finished")
	q.audit.Log(ctx, audit.EventJobAcknowledged, deviceID.String(), deviceID.String(), map[string]interface{}{
		"job_id": job.ID.String(),
		"status": string(job.Status),
	})
	return &job, nil
}

// resolveAck explains why the conditional ack matched nothing.
func (q *Queue) resolveAck(ctx context.Context, deviceID, jobID uuid.UUID, status models.JobStatus) (*models.Job, error) {
	job, err := q.GetForDevice(ctx, deviceID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == status {
		return job, nil
	}
	return nil, apperr.Conflict(fmt.Sprintf("job is %s, cannot mark %s", job.Status, status))
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := q.db.GetContext(ctx, &job, q.db.Rebind(`SELECT `+models.JobColumns+` FROM device_jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// GetForDevice returns a job only if it belongs to deviceID.
func (q *Queue) GetForDevice(ctx context.Context, deviceID, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := q.db.GetContext(ctx, &job, q.db.Rebind(`
		SELECT `+models.JobColumns+` FROM device_jobs WHERE id = ? AND device_id = ?
	`), jobID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns a device's jobs newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, deviceID uuid.UUID, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	query := `SELECT ` + models.JobColumns + ` FROM device_jobs WHERE device_id = ?`
	args := []interface{}{deviceID}
	if status != "" {
		if !status.Valid() {
			return nil, apperr.Validation("unknown job status " + string(status))
		}
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var jobs []models.Job
	if err := q.db.SelectContext(ctx, &jobs, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return jobs, nil
}
