package models

import (
	"time"
)

// BootstrapSecret is a refresh-secret digest provisioned out of band (at the
// factory) before the device is ever bound.
type BootstrapSecret struct {
	DeviceCode string     `db:"device_code" json:"device_code"`
	SecretHash string     `db:"secret_hash" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UsedAt     *time.Time `db:"used_at" json:"used_at"`
}
