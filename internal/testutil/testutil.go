// Package testutil provides an in-memory database and fixtures for package
// tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"kidgate/internal/auth"
	"kidgate/internal/clock"
	"kidgate/internal/database"
	"kidgate/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Epoch is the fixed start time used by fake clocks in tests.
var Epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

// DeviceKey and SessionKey are fixed signing keys for tests.
var (
	DeviceKey  = []byte("device-signing-key-for-tests-0123456789")
	SessionKey = []byte("session-signing-key-for-tests-012345678")
)

// NewDB opens a migrated in-memory SQLite database closed at test cleanup.
func NewDB(t testing.TB) *database.DB {
	t.Helper()
	db, err := database.New(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(context.Background(), zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	return db
}

// PostgresURLEnv names the connection URL for tests that need a real
// Postgres server. Those tests are skipped when it is unset.
const PostgresURLEnv = "TEST_DATABASE_URL"

// NewPostgresDB opens a migrated Postgres database in a throwaway schema
// dropped at test cleanup.
func NewPostgresDB(t testing.TB) *database.DB {
	t.Helper()
	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}

	admin, err := database.New(database.DriverPostgres, url)
	if err != nil {
		t.Fatal(err)
	}
	schema := "kidgate_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(`CREATE SCHEMA ` + schema); err != nil {
		admin.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`)
		admin.Close()
	})

	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	db, err := database.New(database.DriverPostgres, fmt.Sprintf("%s%ssearch_path=%s", url, sep, schema))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(context.Background(), zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	return db
}

func NewClock() *clock.Fake {
	return clock.NewFake(Epoch)
}

func DeviceCodec(t testing.TB, clk clock.Clock) *auth.Codec {
	t.Helper()
	c, err := auth.NewCodec(DeviceKey, auth.DeviceAudience, clk)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func SessionCodec(t testing.TB, clk clock.Clock) *auth.Codec {
	t.Helper()
	c, err := auth.NewCodec(SessionKey, auth.SessionAudience, clk)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// CreateParent inserts a parent with a throwaway password hash.
func CreateParent(t testing.TB, db *database.DB, email string) *models.Parent {
	t.Helper()
	p := &models.Parent{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: "x",
		CreatedAt:    Epoch,
		UpdatedAt:    Epoch,
	}
	_, err := db.Exec(db.Rebind(`
		INSERT INTO parents (id, email, name, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.Email, p.Name, p.PasswordHash, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func CreateChild(t testing.TB, db *database.DB, parentID uuid.UUID, name string) *models.Child {
	t.Helper()
	c := &models.Child{ID: uuid.New(), ParentID: parentID, Name: name, CreatedAt: Epoch}
	_, err := db.Exec(db.Rebind(`
		INSERT INTO children (id, parent_id, name, created_at) VALUES (?, ?, ?, ?)
	`), c.ID, c.ParentID, c.Name, c.CreatedAt)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// CreateDevice inserts a device row directly, bypassing binding.
func CreateDevice(t testing.TB, db *database.DB, code string, parentID *uuid.UUID, status models.DeviceStatus) *models.Device {
	t.Helper()
	d := &models.Device{
		ID:         uuid.New(),
		DeviceCode: code,
		ParentID:   parentID,
		Status:     status,
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	_, err := db.Exec(db.Rebind(`
		INSERT INTO devices (id, device_code, parent_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), d.ID, d.DeviceCode, d.ParentID, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// GetDevice reloads a device by id.
func GetDevice(t testing.TB, db *database.DB, id uuid.UUID) *models.Device {
	t.Helper()
	var d models.Device
	if err := db.Get(&d, db.Rebind(`SELECT `+models.DeviceColumns+` FROM devices WHERE id = ?`), id); err != nil {
		t.Fatal(err)
	}
	return &d
}
