package handlers

import (
	"net/http"
	"time"

	"kidgate/internal/configdist"
	"kidgate/internal/devices"
	"kidgate/internal/heartbeat"
	"kidgate/internal/identity"
	"kidgate/internal/jobs"
	"kidgate/internal/models"
	"kidgate/internal/respond"

	"github.com/jmoiron/sqlx/types"
)

// DeviceHandler serves the endpoints called by enrolled devices.
type DeviceHandler struct {
	identity  *identity.Service
	heartbeat *heartbeat.Collector
	config    *configdist.Service
	jobs      *jobs.Queue
	devices   *devices.Store
}

func NewDeviceHandler(id *identity.Service, hb *heartbeat.Collector, cfg *configdist.Service, q *jobs.Queue, ds *devices.Store) *DeviceHandler {
	return &DeviceHandler{identity: id, heartbeat: hb, config: cfg, jobs: q, devices: ds}
}

type RefreshRequest struct {
	DeviceCode    string `json:"device_code"`
	RefreshSecret string `json:"refresh_secret"`
}

type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Refresh exchanges the refresh secret for a new bearer token
func (h *DeviceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	issued, err := h.identity.Refresh(r.Context(), req.DeviceCode, req.RefreshSecret, clientIP(r))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, RefreshResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt})
}

// Heartbeat records liveness and telemetry
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	code, err := deviceFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	var report heartbeat.Report
	if err := respond.DecodeOptional(r, &report); err != nil {
		respond.Error(w, r, err)
		return
	}

	if _, err := h.heartbeat.Record(r.Context(), code, clientIP(r), report); err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type ConfigResponse struct {
	Version       int64          `json:"version"`
	Manifest      types.JSONText `json:"manifest"`
	Policies      types.JSONText `json:"policies"`
	Apps          types.JSONText `json:"apps"`
	FilterProfile types.JSONText `json:"filter_profile"`
}

// Config returns the device's current configuration snapshot
func (h *DeviceHandler) Config(w http.ResponseWriter, r *http.Request) {
	code, err := deviceFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	snap, err := h.config.Fetch(r.Context(), code)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, ConfigResponse{
		Version:       snap.Version,
		Manifest:      snap.Manifest,
		Policies:      snap.Policies,
		Apps:          snap.Apps,
		FilterProfile: snap.FilterProfile,
	})
}

type NextJobResponse struct {
	Job *models.DispatchedJob `json:"job"`
}

// NextJob claims the oldest queued job, or returns {"job": null}
func (h *DeviceHandler) NextJob(w http.ResponseWriter, r *http.Request) {
	code, err := deviceFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	device, err := h.devices.GetByCode(r.Context(), code)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	job, err := h.jobs.Next(r.Context(), device.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	resp := NextJobResponse{}
	if job != nil {
		resp.Job = job.Dispatched()
	}
	respond.JSON(w, http.StatusOK, resp)
}

// AckJob reports the outcome of a dispatched job
func (h *DeviceHandler) AckJob(w http.ResponseWriter, r *http.Request) {
	code, err := deviceFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	jobID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req jobs.AckRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	device, err := h.devices.GetByCode(r.Context(), code)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	job, err := h.jobs.Ack(r.Context(), device.ID, jobID, req)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, job)
}
