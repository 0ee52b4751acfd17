// Package credentials holds the durable side of device identity: refresh
// secret digests, cached bearer tokens and factory bootstrap secrets.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/auth"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// LookupDigest returns the active refresh-secret digest for a device code.
// A device without a digest is reported as not found.
func (s *Store) LookupDigest(ctx context.Context, deviceCode string) (string, error) {
	var digest sql.NullString
	err := s.db.GetContext(ctx, &digest, s.db.Rebind(`
		SELECT refresh_secret_hash FROM devices WHERE device_code = ?
	`), deviceCode)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !digest.Valid) {
		return "", apperr.NotFound("device not found")
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh digest: %w", err)
	}
	return digest.String, nil
}

// SetDigest replaces the stored refresh-secret digest of a device.
func SetDigest(ctx context.Context, q sqlx.ExtContext, deviceID uuid.UUID, digest string, now time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE devices SET refresh_secret_hash = ?, updated_at = ? WHERE id = ?
	`), digest, now, deviceID)
	if err != nil {
		return fmt.Errorf("store refresh digest: %w", err)
	}
	return nil
}

// CacheToken records the most recently issued bearer token on the device.
func CacheToken(ctx context.Context, q sqlx.ExtContext, deviceID uuid.UUID, issued *auth.Issued) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE devices SET token = ?, token_issued_at = ?, updated_at = ? WHERE id = ?
	`), issued.Token, issued.IssuedAt, issued.IssuedAt, deviceID)
	if err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	return nil
}

// RecordRefresh caches a refreshed token together with the requester's
// network origin. Concurrent refreshes are last-write-wins.
func (s *Store) RecordRefresh(ctx context.Context, deviceCode string, issued *auth.Issued, ip string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE devices
		SET token = ?, token_issued_at = ?, last_ip = COALESCE(NULLIF(?, ''), last_ip), updated_at = ?
		WHERE device_code = ?
	`), issued.Token, issued.IssuedAt, ip, issued.IssuedAt, deviceCode)
	if err != nil {
		return fmt.Errorf("record refresh: %w", err)
	}
	return nil
}

// ProvisionBootstrap stores the digest of a factory secret for a device code
// that has never been provisioned. A second provisioning is a conflict.
func (s *Store) ProvisionBootstrap(ctx context.Context, deviceCode, secret string, now time.Time) (*models.BootstrapSecret, error) {
	bs := &models.BootstrapSecret{
		DeviceCode: deviceCode,
		SecretHash: auth.DigestSecret(secret),
		CreatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO device_bootstrap_secrets (device_code, secret_hash, created_at)
		VALUES (?, ?, ?)
	`), bs.DeviceCode, bs.SecretHash, bs.CreatedAt)
	if database.IsUniqueViolation(err) {
		return nil, apperr.Conflict("bootstrap secret already provisioned for device")
	}
	if err != nil {
		return nil, fmt.Errorf("insert bootstrap secret: %w", err)
	}
	return bs, nil
}

// GetBootstrap returns the bootstrap row for a device code.
func GetBootstrap(ctx context.Context, q sqlx.ExtContext, deviceCode string) (*models.BootstrapSecret, error) {
	var bs models.BootstrapSecret
	err := sqlx.GetContext(ctx, q, &bs, q.Rebind(`
		SELECT device_code, secret_hash, created_at, used_at
		FROM device_bootstrap_secrets WHERE device_code = ?
	`), deviceCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("bootstrap secret not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get bootstrap secret: %w", err)
	}
	return &bs, nil
}
