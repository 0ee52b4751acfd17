// Package configdist serves versioned configuration snapshots to devices and
// publishes new ones.
package configdist

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/devices"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog"
)

const maxAttempts = 5

type Service struct {
	db      *database.DB
	devices *devices.Store
	audit   *audit.Logger
	clock   clock.Clock
	log     zerolog.Logger
}

func NewService(db *database.DB, auditLog *audit.Logger, log zerolog.Logger, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		db:      db,
		devices: devices.NewStore(db),
		audit:   auditLog,
		clock:   clk,
		log:     log.With().Str("component", "configdist").Logger(),
	}
}

// Fetch returns the newest snapshot for an active device and records it as
// served. A device is never handed a version below one it already received.
func (s *Service) Fetch(ctx context.Context, deviceCode string) (*models.ConfigSnapshot, error) {
	device, err := s.devices.GetByCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceActive {
		return nil, apperr.Forbidden("device is not active")
	}

	served := device.ConfigVersion
	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap, err := s.latest(ctx, device.ID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			if served > 0 {
				return nil, s.regression(device, 0, served)
			}
			return models.EmptyConfigSnapshot(device.ID), nil
		}
		if snap.Version < served {
			return nil, s.regression(device, snap.Version, served)
		}
		if snap.Version == served {
			return snap, nil
		}

		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE devices SET config_version_served = ?
			WHERE id = ? AND config_version_served < ?
		`), snap.Version, device.ID, snap.Version)
		if err != nil {
			return nil, fmt.Errorf("advance served version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return snap, nil
		}

		// Another fetch already served something newer; start over from it.
		if err := s.db.GetContext(ctx, &served, s.db.Rebind(`
			SELECT config_version_served FROM devices WHERE id = ?
		`), device.ID); err != nil {
			return nil, fmt.Errorf("reload served version: %w", err)
		}
	}
	return nil, fmt.Errorf("config fetch for %s did not settle after %d attempts", deviceCode, maxAttempts)
}

func (s *Service) regression(device *models.Device, stored, served int64) error {
	s.log.Error().
		Str("device_code", device.DeviceCode).
		Int64("stored_version", stored).
		Int64("served_version", served).
		Msg("Refusing to serve an older config version")
	return apperr.Conflict("stored config is older than the version already served")
}

func (s *Service) latest(ctx context.Context, deviceID uuid.UUID) (*models.ConfigSnapshot, error) {
	var snap models.ConfigSnapshot
	err := s.db.GetContext(ctx, &snap, s.db.Rebind(`
		SELECT `+models.ConfigSnapshotColumns+` FROM device_config_snapshots
		WHERE device_id = ?
		ORDER BY version DESC
		LIMIT 1
	`), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// PublishRequest is a new configuration bundle. Omitted parts take the
// empty defaults.
type PublishRequest struct {
	Manifest      json.RawMessage `json:"manifest"`
	Policies      json.RawMessage `json:"policies"`
	Apps          json.RawMessage `json:"apps"`
	FilterProfile json.RawMessage `json:"filter_profile"`
}

func (r PublishRequest) snapshot(deviceID uuid.UUID) (*models.ConfigSnapshot, error) {
	snap := models.EmptyConfigSnapshot(deviceID)
	parts := []struct {
		name  string
		raw   json.RawMessage
		dst   *types.JSONText
		shape byte
	}{
		{"manifest", r.Manifest, &snap.Manifest, '{'},
		{"policies", r.Policies, &snap.Policies, '['},
		{"apps", r.Apps, &snap.Apps, '['},
		{"filter_profile", r.FilterProfile, &snap.FilterProfile, 0},
	}
	for _, p := range parts {
		raw := bytes.TrimSpace(p.raw)
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return nil, apperr.Validation(p.name + " must be valid JSON")
		}
		if p.shape != 0 && raw[0] != p.shape {
			kind := "an object"
			if p.shape == '[' {
				kind = "an array"
			}
			return nil, apperr.Validation(p.name + " must be " + kind)
		}
		*p.dst = types.JSONText(raw)
	}
	return snap, nil
}

// Publish stores req as the next version for a device.
func (s *Service) Publish(ctx context.Context, deviceID uuid.UUID, req PublishRequest, actor string) (*models.ConfigSnapshot, error) {
	snap, err := req.snapshot(deviceID)
	if err != nil {
		return nil, err
	}
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap.CreatedAt = s.clock.Now()
		err = s.db.InTx(ctx, func(tx *sqlx.Tx) error {
			if err := tx.GetContext(ctx, &snap.Version, tx.Rebind(`
				SELECT COALESCE(MAX(version), 0) + 1 FROM device_config_snapshots WHERE device_id = ?
			`), deviceID); err != nil {
				return fmt.Errorf("next version: %w", err)
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO device_config_snapshots (device_id, version, manifest, policies, apps, filter_profile, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`), deviceID, snap.Version, string(snap.Manifest), string(snap.Policies), string(snap.Apps),
				string(snap.FilterProfile), snap.CreatedAt)
			return err
		})
		if database.IsUniqueViolation(err) {
			s.log.Debug().Str("device_id", deviceID.String()).Msg("Config version taken, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("publish config: %w", err)
		}

		s.log.Info().
			Str("device_code", device.DeviceCode).
			Int64("version", snap.Version).
			Msg("Config published")
		s.audit.Log(ctx, audit.EventConfigPublished, actor, device.DeviceCode, map[string]interface{}{
			"version": snap.Version,
		})
		return snap, nil
	}
	return nil, apperr.Conflict("concurrent config publishes, try again")
}
