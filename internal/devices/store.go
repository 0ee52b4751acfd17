// Package devices reads device records for the HTTP layer and services.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kidgate/internal/apperr"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
)

type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetByCode(ctx context.Context, deviceCode string) (*models.Device, error) {
	return s.get(ctx, `device_code = ?`, deviceCode)
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return s.get(ctx, `id = ?`, id)
}

// GetOwned returns the device only if parentID owns it. A device owned by
// someone else is reported as forbidden.
func (s *Store) GetOwned(ctx context.Context, parentID, id uuid.UUID) (*models.Device, error) {
	d, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.OwnedBy(parentID) {
		return nil, apperr.Forbidden("device does not belong to this account")
	}
	return d, nil
}

func (s *Store) get(ctx context.Context, where string, arg interface{}) (*models.Device, error) {
	var d models.Device
	err := s.db.GetContext(ctx, &d, s.db.Rebind(`SELECT `+models.DeviceColumns+` FROM devices WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ListByParent returns a parent's devices, most recently paired first.
func (s *Store) ListByParent(ctx context.Context, parentID uuid.UUID) ([]models.Device, error) {
	var list []models.Device
	err := s.db.SelectContext(ctx, &list, s.db.Rebind(`
		SELECT `+models.DeviceColumns+` FROM devices
		WHERE parent_id = ?
		ORDER BY paired_at DESC, device_code
	`), parentID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if list == nil {
		list = []models.Device{}
	}
	return list, nil
}
