package handlers

import (
	"context"
	"net/http"
	"time"

	"kidgate/internal/database"
	"kidgate/internal/respond"

	"github.com/rs/zerolog/hlog"
)

type HealthHandler struct {
	db *database.DB
}

func NewHealthHandler(db *database.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": h.db.Driver})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok", "database": h.db.Driver})
}
