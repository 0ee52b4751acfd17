// Package identity binds devices to parents and refreshes device tokens.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/auth"
	"kidgate/internal/clock"
	"kidgate/internal/credentials"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const DefaultTokenTTL = time.Hour

type Service struct {
	db          *database.DB
	creds       *credentials.Store
	codec       *auth.Codec
	provisioner credentials.Provisioner
	audit       *audit.Logger
	clock       clock.Clock
	ttl         time.Duration
	log         zerolog.Logger
}

type Option func(*Service)

func WithProvisioner(p credentials.Provisioner) Option {
	return func(s *Service) { s.provisioner = p }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewService(db *database.DB, codec *auth.Codec, auditLog *audit.Logger, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		db:          db,
		creds:       credentials.NewStore(db),
		codec:       codec,
		provisioner: credentials.DefaultChain(),
		audit:       auditLog,
		clock:       clock.Real(),
		ttl:         DefaultTokenTTL,
		log:         log.With().Str("component", "identity").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BindRequest struct {
	DeviceCode     string     `json:"device_code"`
	ChildID        *uuid.UUID `json:"child_id,omitempty"`
	Name           *string    `json:"name,omitempty"`
	ConsentVersion *string    `json:"consent_version,omitempty"`
}

// BindResult carries RefreshSecret only when a new secret was generated for
// this bind. It cannot be retrieved again.
type BindResult struct {
	DeviceID      uuid.UUID `json:"device_id"`
	DeviceCode    string    `json:"device_code"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	RefreshSecret string    `json:"refresh_secret,omitempty"`
}

type priorBinding struct {
	ParentID *uuid.UUID `db:"parent_id"`
	Digest   *string    `db:"refresh_secret_hash"`
}

// Bind pairs deviceCode with the calling parent and issues its first token.
// A device already owned by another parent is a conflict and nothing is
// written.
func (s *Service) Bind(ctx context.Context, parentID uuid.UUID, req BindRequest, ip string) (*BindResult, error) {
	code, err := models.NormalizeDeviceCode(req.DeviceCode)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			req.Name = nil
		} else {
			req.Name = &name
		}
	}

	now := s.clock.Now()
	res := &BindResult{DeviceCode: code}
	var cred *credentials.Credential
	var sameOwner bool

	err = s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		if req.ChildID != nil {
			if err := s.checkChild(ctx, tx, parentID, *req.ChildID); err != nil {
				return err
			}
		}

		var prior priorBinding
		err := tx.GetContext(ctx, &prior, tx.Rebind(`
			SELECT parent_id, refresh_secret_hash FROM devices WHERE device_code = ?`+s.db.RowLockClause()), code)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load device: %w", err)
		}

		newID, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		// The WHERE clause makes the ownership check part of the write: a row
		// held by another parent is left untouched and nothing is returned.
		err = tx.GetContext(ctx, &res.DeviceID, tx.Rebind(`
			INSERT INTO devices (id, device_code, parent_id, child_id, name, status, paired_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)
			ON CONFLICT (device_code) DO UPDATE SET
				parent_id = excluded.parent_id,
				child_id = CASE WHEN devices.parent_id = excluded.parent_id
					THEN COALESCE(excluded.child_id, devices.child_id)
					ELSE excluded.child_id END,
				name = COALESCE(excluded.name, devices.name),
				status = 'active',
				paired_at = excluded.paired_at,
				updated_at = excluded.updated_at
			WHERE devices.parent_id IS NULL
				OR devices.parent_id = excluded.parent_id
				OR devices.status = 'pending'
			RETURNING id
		`), newID, code, parentID, req.ChildID, req.Name, now, now, now)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Conflict("device is already bound to another account")
		}
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}

		sameOwner = prior.ParentID != nil && *prior.ParentID == parentID
		if sameOwner && prior.Digest != nil && *prior.Digest != "" {
			cred = &credentials.Credential{Digest: *prior.Digest, Source: credentials.SourceExisting}
		} else {
			cred, err = s.provisioner.Provision(ctx, tx, code, now)
			if err != nil {
				return fmt.Errorf("provision credential: %w", err)
			}
			if err := credentials.SetDigest(ctx, tx, res.DeviceID, cred.Digest, now); err != nil {
				return err
			}
		}

		issued, err := s.codec.Mint(code, s.ttl)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		if err := credentials.CacheToken(ctx, tx, res.DeviceID, issued); err != nil {
			return err
		}
		res.Token = issued.Token
		res.ExpiresAt = issued.ExpiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.RefreshSecret = cred.Secret

	s.afterBind(ctx, parentID, res, req, cred.Source, sameOwner, ip, now)
	return res, nil
}

func (s *Service) checkChild(ctx context.Context, tx *sqlx.Tx, parentID, childID uuid.UUID) error {
	var owner uuid.UUID
	err := tx.GetContext(ctx, &owner, tx.Rebind(`SELECT parent_id FROM children WHERE id = ?`), childID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != parentID) {
		return apperr.Forbidden("child does not belong to this account")
	}
	if err != nil {
		return fmt.Errorf("load child: %w", err)
	}
	return nil
}

// afterBind writes the audit trail and the default assignment row. Neither
// may fail the bind. A device changing hands loses its previous child.
func (s *Service) afterBind(ctx context.Context, parentID uuid.UUID, res *BindResult, req BindRequest, source credentials.Source, sameOwner bool, ip string, now time.Time) {
	childID := "excluded.child_id"
	if sameOwner {
		childID = "COALESCE(excluded.child_id, device_child_assignments.child_id)"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO device_child_assignments (device_id, child_id, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			child_id = `+childID+`,
			assigned_at = excluded.assigned_at
	`), res.DeviceID, req.ChildID, now)
	if err != nil {
		s.log.Warn().Err(err).Str("device_code", res.DeviceCode).Msg("Failed to write default assignment")
	}

	details := map[string]interface{}{
		"device_id":         res.DeviceID.String(),
		"credential_source": string(source),
	}
	if req.ChildID != nil {
		details["child_id"] = req.ChildID.String()
	}
	s.audit.LogWithIP(ctx, audit.EventDeviceActivated, parentID.String(), res.DeviceCode, ip, details)
	if req.ConsentVersion != nil && *req.ConsentVersion != "" {
		s.audit.LogWithIP(ctx, audit.EventConsentRecorded, parentID.String(), res.DeviceCode, ip, map[string]interface{}{
			"consent_version": *req.ConsentVersion,
		})
	}

	s.log.Info().
		Str("device_code", res.DeviceCode).
		Str("parent_id", parentID.String()).
		Str("credential_source", string(source)).
		Msg("Device bound")
}

var errBadCredentials = apperr.Unauthenticated("invalid device credentials")

// Refresh exchanges a device's refresh secret for a new bearer token. Every
// credential failure returns the same error.
func (s *Service) Refresh(ctx context.Context, deviceCode, secret, ip string) (*auth.Issued, error) {
	if strings.TrimSpace(deviceCode) == "" || secret == "" {
		return nil, apperr.Validation("device_code and refresh_secret are required")
	}

	digest := auth.DummyDigest
	known := false
	if code, err := models.NormalizeDeviceCode(deviceCode); err == nil {
		deviceCode = code
		stored, err := s.creds.LookupDigest(ctx, code)
		switch {
		case err == nil:
			digest, known = stored, true
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	match := auth.CompareDigest(digest, auth.DigestSecret(secret))
	if !known || !match {
		s.log.Debug().Str("device_code", deviceCode).Str("ip", ip).Msg("Refresh rejected")
		return nil, errBadCredentials
	}

	issued, err := s.codec.Mint(deviceCode, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	if err := s.creds.RecordRefresh(ctx, deviceCode, issued, ip); err != nil {
		s.log.Warn().Err(err).Str("device_code", deviceCode).Msg("Failed to cache refreshed token")
	}
	return issued, nil
}

// Codec exposes the device token codec for bearer verification.
func (s *Service) Codec() *auth.Codec {
	return s.codec
}
