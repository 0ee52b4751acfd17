package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog"
)

// EventType represents the type of audit event
type EventType string

const (
	EventParentRegistered     EventType = "parent_registered"
	EventLogin                EventType = "login"
	EventLoginFailed          EventType = "login_failed"
	EventDeviceActivated      EventType = "device_activated"
	EventConsentRecorded      EventType = "consent_recorded"
	EventDeviceRefreshed      EventType = "device_refreshed"
	EventDeviceHeartbeat      EventType = "device_heartbeat"
	EventDeviceOffline        EventType = "device_offline"
	EventJobEnqueued          EventType = "job_enqueued"
	EventJobAcknowledged      EventType = "job_acknowledged"
	EventConfigPublished      EventType = "config_published"
	EventBootstrapProvisioned EventType = "bootstrap_provisioned"
)

// Logger appends audit records to the audit_log table. Writes are
// best-effort: a failed insert is logged and never returned to the caller.
type Logger struct {
	db    *database.DB
	log   zerolog.Logger
	clock clock.Clock
}

func New(db *database.DB, log zerolog.Logger, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Logger{db: db, log: log.With().Str("component", "audit").Logger(), clock: clk}
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, event EventType, actor, target string, details map[string]interface{}) {
	l.LogWithIP(ctx, event, actor, target, "", details)
}

// LogWithIP records an audit event with the requester's address
func (l *Logger) LogWithIP(ctx context.Context, event EventType, actor, target, ip string, details map[string]interface{}) {
	if l == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}

	l.log.Info().
		Str("event", string(event)).
		Str("actor", actor).
		Str("target", target).
		Str("ip", ip).
		Fields(details).
		Msg("audit")

	if err := l.insert(ctx, event, actor, target, ip, details); err != nil {
		l.log.Warn().Err(err).Str("event", string(event)).Msg("Failed to persist audit entry")
	}
}

func (l *Logger) insert(ctx context.Context, event EventType, actor, target, ip string, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO audit_log (id, event, actor, target, ip, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), id, string(event), nullable(actor), nullable(target), nullable(ip), types.JSONText(raw), l.clock.Now())
	return err
}

// List returns the most recent entries for a target, newest first.
func (l *Logger) List(ctx context.Context, target string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := l.db.SelectContext(ctx, &entries, l.db.Rebind(`
		SELECT id, event, actor, target, ip, details, created_at
		FROM audit_log WHERE target = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), target, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
