// Package parents manages dashboard accounts and their children.
package parents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"kidgate/internal/apperr"
	"kidgate/internal/auth"
	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
)

const minPasswordLength = 8

type Store struct {
	db    *database.DB
	clock clock.Clock
}

func NewStore(db *database.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: db, clock: clk}
}

// Register creates a parent account. Emails are unique, case-insensitively.
func (s *Store) Register(ctx context.Context, email, password, name string) (*models.Parent, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("Email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("Invalid email address")
	}
	if len(password) < minPasswordLength {
		return nil, apperr.Validation(fmt.Sprintf("Password must be at least %d characters", minPasswordLength))
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now()
	p := &models.Parent{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if name = strings.TrimSpace(name); name != "" {
		p.Name = &name
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO parents (id, email, name, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.Email, p.Name, p.PasswordHash, p.CreatedAt, p.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return nil, apperr.Conflict("Email already registered")
	}
	if err != nil {
		return nil, fmt.Errorf("insert parent: %w", err)
	}
	return p, nil
}

// Authenticate checks an email/password pair. Unknown emails and wrong
// passwords fail the same way.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*models.Parent, error) {
	var p models.Parent
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM parents WHERE email = ?
	`), strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Unauthenticated("Invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	if !auth.CheckPassword(password, p.PasswordHash) {
		return nil, apperr.Unauthenticated("Invalid credentials")
	}
	return &p, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Parent, error) {
	var p models.Parent
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM parents WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("parent not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	return &p, nil
}

func (s *Store) AddChild(ctx context.Context, parentID uuid.UUID, name string) (*models.Child, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("Child name is required")
	}
	c := &models.Child{ID: uuid.New(), ParentID: parentID, Name: name, CreatedAt: s.clock.Now()}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO children (id, parent_id, name, created_at) VALUES (?, ?, ?, ?)
	`), c.ID, c.ParentID, c.Name, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert child: %w", err)
	}
	return c, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]models.Child, error) {
	var children []models.Child
	err := s.db.SelectContext(ctx, &children, s.db.Rebind(`
		SELECT id, parent_id, name, created_at FROM children
		WHERE parent_id = ?
		ORDER BY created_at, name
	`), parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	if children == nil {
		children = []models.Child{}
	}
	return children, nil
}
