package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

type AuditEntry struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	Event     string         `db:"event" json:"event"`
	Actor     *string        `db:"actor" json:"actor"`
	Target    *string        `db:"target" json:"target"`
	IP        *string        `db:"ip" json:"ip"`
	Details   types.JSONText `db:"details" json:"details"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
