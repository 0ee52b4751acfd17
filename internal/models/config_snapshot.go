package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// ConfigSnapshot is an immutable, versioned policy/app bundle for one device.
type ConfigSnapshot struct {
	DeviceID      uuid.UUID      `db:"device_id" json:"device_id"`
	Version       int64          `db:"version" json:"version"`
	Manifest      types.JSONText `db:"manifest" json:"manifest"`
	Policies      types.JSONText `db:"policies" json:"policies"`
	Apps          types.JSONText `db:"apps" json:"apps"`
	FilterProfile types.JSONText `db:"filter_profile" json:"filter_profile"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

const ConfigSnapshotColumns = `device_id, version, manifest, policies, apps, filter_profile, created_at`

// EmptyConfigSnapshot is served to a device before any snapshot was authored.
func EmptyConfigSnapshot(deviceID uuid.UUID) *ConfigSnapshot {
	return &ConfigSnapshot{
		DeviceID:      deviceID,
		Version:       0,
		Manifest:      types.JSONText(`{}`),
		Policies:      types.JSONText(`[]`),
		Apps:          types.JSONText(`[]`),
		FilterProfile: types.JSONText(`null`),
	}
}
