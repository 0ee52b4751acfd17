// Package heartbeat records device liveness and self-reported telemetry.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kidgate/internal/audit"
	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/devices"
	"kidgate/internal/models"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// Report is what a device sends with each heartbeat. Empty fields leave
// the stored values untouched.
type Report struct {
	UIVersion       string          `json:"ui_version"`
	FirmwareVersion string          `json:"firmware_version"`
	BuildID         string          `json:"build_id"`
	OSVersion       string          `json:"os_version"`
	KernelVersion   string          `json:"kernel_version"`
	Model           string          `json:"model"`
	Location        json.RawMessage `json:"location,omitempty"`
}

type Collector struct {
	db      *database.DB
	devices *devices.Store
	audit   *audit.Logger
	clock   clock.Clock
	log     zerolog.Logger
}

func NewCollector(db *database.DB, auditLog *audit.Logger, log zerolog.Logger, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Collector{
		db:      db,
		devices: devices.NewStore(db),
		audit:   auditLog,
		clock:   clk,
		log:     log.With().Str("component", "heartbeat").Logger(),
	}
}

// NormalizeVersion canonicalizes a semantic version string. Values that do
// not parse are kept as reported.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return parsed.String()
}

// Record stamps last-seen for deviceCode and merges the report. An offline
// device becomes active again. A malformed location is dropped, never the
// heartbeat.
func (c *Collector) Record(ctx context.Context, deviceCode, ip string, r Report) (*models.Device, error) {
	var location *string
	if raw := bytes.TrimSpace(r.Location); len(raw) > 0 && string(raw) != "null" {
		if json.Valid(raw) && raw[0] == '{' {
			s := string(raw)
			location = &s
		} else {
			c.log.Debug().Str("device_code", deviceCode).Msg("Ignoring location that is not a JSON object")
		}
	}

	before, err := c.devices.GetByCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	_, err = c.db.ExecContext(ctx, c.db.Rebind(`
		UPDATE devices SET
			last_seen_at = ?,
			last_ip = COALESCE(NULLIF(?, ''), last_ip),
			ui_version = COALESCE(NULLIF(?, ''), ui_version),
			firmware_version = COALESCE(NULLIF(?, ''), firmware_version),
			build_id = COALESCE(NULLIF(?, ''), build_id),
			os_version = COALESCE(NULLIF(?, ''), os_version),
			kernel_version = COALESCE(NULLIF(?, ''), kernel_version),
			model = COALESCE(NULLIF(?, ''), model),
			location = COALESCE(?, location),
			status = CASE WHEN status = 'offline' THEN 'active' ELSE status END,
			updated_at = ?
		WHERE id = ?
	`), now, ip, NormalizeVersion(r.UIVersion), strings.TrimSpace(r.FirmwareVersion),
		strings.TrimSpace(r.BuildID), strings.TrimSpace(r.OSVersion), strings.TrimSpace(r.KernelVersion),
		strings.TrimSpace(r.Model), location, now, before.ID)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	if before.Status == models.DeviceOffline {
		c.log.Info().Str("device_code", deviceCode).Msg("Device back online")
	}
	details := map[string]interface{}{"status": string(before.Status)}
	if r.UIVersion != "" {
		details["ui_version"] = NormalizeVersion(r.UIVersion)
	}
	c.audit.LogWithIP(ctx, audit.EventDeviceHeartbeat, deviceCode, deviceCode, ip, details)

	return c.devices.GetByID(ctx, before.ID)
}
