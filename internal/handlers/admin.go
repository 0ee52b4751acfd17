package handlers

import (
	"net/http"
	"strconv"
	"time"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/auth"
	"kidgate/internal/clock"
	"kidgate/internal/configdist"
	"kidgate/internal/credentials"
	"kidgate/internal/models"
	"kidgate/internal/respond"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

const minBootstrapSecretLen = 32

// AdminHandler serves operator endpoints guarded by the admin API key.
type AdminHandler struct {
	config      *configdist.Service
	credentials *credentials.Store
	audit       *audit.Logger
	clock       clock.Clock
}

func NewAdminHandler(cfg *configdist.Service, creds *credentials.Store, auditLog *audit.Logger, clk clock.Clock) *AdminHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &AdminHandler{config: cfg, credentials: creds, audit: auditLog, clock: clk}
}

// PublishConfig stores a new configuration version for a device
func (h *AdminHandler) PublishConfig(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req configdist.PublishRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	snap, err := h.config.Publish(r.Context(), deviceID, req, "admin")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, snap)
}

type ProvisionBootstrapRequest struct {
	DeviceCode    string `json:"device_code"`
	RefreshSecret string `json:"refresh_secret,omitempty"`
}

type ProvisionBootstrapResponse struct {
	DeviceCode    string    `json:"device_code"`
	RefreshSecret string    `json:"refresh_secret"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProvisionBootstrap registers a factory refresh secret for a device code.
// The secret is returned once and only its digest is stored.
func (h *AdminHandler) ProvisionBootstrap(w http.ResponseWriter, r *http.Request) {
	var req ProvisionBootstrapRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	code, err := models.NormalizeDeviceCode(req.DeviceCode)
	if err != nil {
		respond.Error(w, r, apperr.Validation(err.Error()))
		return
	}

	secret := req.RefreshSecret
	if secret == "" {
		if secret, err = auth.GenerateRefreshSecret(); err != nil {
			respond.Error(w, r, err)
			return
		}
	} else if len(secret) < minBootstrapSecretLen {
		respond.Error(w, r, apperr.Validation("refresh_secret must be at least "+strconv.Itoa(minBootstrapSecretLen)+" characters"))
		return
	}

	bs, err := h.credentials.ProvisionBootstrap(r.Context(), code, secret, h.clock.Now())
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("device_code", code).Msg("Bootstrap secret provisioned")
	h.audit.LogWithIP(r.Context(), audit.EventBootstrapProvisioned, "admin", code, clientIP(r), nil)

	respond.JSON(w, http.StatusCreated, ProvisionBootstrapResponse{
		DeviceCode:    bs.DeviceCode,
		RefreshSecret: secret,
		CreatedAt:     bs.CreatedAt,
	})
}

// AuditLog returns recent audit entries for a target (device code or id)
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.audit.List(r.Context(), mux.Vars(r)["target"], limit)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, entries)
}
