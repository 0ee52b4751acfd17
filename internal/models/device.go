package models

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// DeviceStatus is the lifecycle state of an enrolled device.
type DeviceStatus string

const (
	DevicePending DeviceStatus = "pending"
	DeviceActive  DeviceStatus = "active"
	DeviceOffline DeviceStatus = "offline"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DevicePending, DeviceActive, DeviceOffline:
		return true
	}
	return false
}

// CanTransition reports whether a device may move from s to next.
// Binding activates from any state; liveness toggles active and offline.
func (s DeviceStatus) CanTransition(next DeviceStatus) bool {
	switch s {
	case DevicePending:
		return next == DeviceActive
	case DeviceActive:
		return next == DeviceActive || next == DeviceOffline
	case DeviceOffline:
		return next == DeviceActive || next == DeviceOffline
	}
	return false
}

func (s *DeviceStatus) Scan(src interface{}) error {
	var v string
	switch x := src.(type) {
	case string:
		v = x
	case []byte:
		v = string(x)
	default:
		return fmt.Errorf("device status: unsupported type %T", src)
	}
	st := DeviceStatus(v)
	if !st.Valid() {
		return fmt.Errorf("device status: unknown value %q", v)
	}
	*s = st
	return nil
}

func (s DeviceStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("device status: unknown value %q", string(s))
	}
	return string(s), nil
}

type Device struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	DeviceCode        string          `db:"device_code" json:"device_code"`
	ParentID          *uuid.UUID      `db:"parent_id" json:"parent_id"`
	ChildID           *uuid.UUID      `db:"child_id" json:"child_id"`
	Name              *string         `db:"name" json:"name"`
	Status            DeviceStatus    `db:"status" json:"status"`
	Token             *string         `db:"token" json:"-"`
	TokenIssuedAt     *time.Time      `db:"token_issued_at" json:"token_issued_at"`
	RefreshSecretHash *string         `db:"refresh_secret_hash" json:"-"`
	PairedAt          *time.Time      `db:"paired_at" json:"paired_at"`
	LastSeenAt        *time.Time      `db:"last_seen_at" json:"last_seen_at"`
	LastIP            *string         `db:"last_ip" json:"last_ip"`
	UIVersion         *string         `db:"ui_version" json:"ui_version"`
	FirmwareVersion   *string         `db:"firmware_version" json:"firmware_version"`
	BuildID           *string         `db:"build_id" json:"build_id"`
	OSVersion         *string         `db:"os_version" json:"os_version"`
	KernelVersion     *string         `db:"kernel_version" json:"kernel_version"`
	Model             *string         `db:"model" json:"model"`
	Location          *types.JSONText `db:"location" json:"location"`
	ConfigVersion     int64           `db:"config_version_served" json:"config_version"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// DeviceColumns is the explicit select list for Device.
const DeviceColumns = `id, device_code, parent_id, child_id, name, status, token, token_issued_at,
	refresh_secret_hash, paired_at, last_seen_at, last_ip, ui_version, firmware_version,
	build_id, os_version, kernel_version, model, location, config_version_served,
	created_at, updated_at`

// OwnedBy reports whether parentID currently owns the device.
func (d *Device) OwnedBy(parentID uuid.UUID) bool {
	return d.ParentID != nil && *d.ParentID == parentID
}

// DisplayName returns the name or the device code as fallback.
func (d *Device) DisplayName() string {
	if d.Name != nil && *d.Name != "" {
		return *d.Name
	}
	return d.DeviceCode
}

var deviceCodePattern = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*$`)

const (
	minDeviceCodeLen = 4
	maxDeviceCodeLen = 32
)

// NormalizeDeviceCode trims and uppercases a human-entered device code and
// checks its shape.
func NormalizeDeviceCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", fmt.Errorf("device_code is required")
	}
	if len(code) < minDeviceCodeLen || len(code) > maxDeviceCodeLen {
		return "", fmt.Errorf("device_code must be %d-%d characters", minDeviceCodeLen, maxDeviceCodeLen)
	}
	if !deviceCodePattern.MatchString(code) {
		return "", fmt.Errorf("device_code may only contain letters, digits and single dashes")
	}
	return code, nil
}
