package handlers

import (
	"net/http"

	"kidgate/internal/devices"
	"kidgate/internal/identity"
	"kidgate/internal/respond"
)

// DevicesHandler serves the parent dashboard's device endpoints.
type DevicesHandler struct {
	identity *identity.Service
	devices  *devices.Store
}

func NewDevicesHandler(id *identity.Service, ds *devices.Store) *DevicesHandler {
	return &DevicesHandler{identity: id, devices: ds}
}

// Bind pairs a device code with the calling parent
func (h *DevicesHandler) Bind(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req identity.BindRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	res, err := h.identity.Bind(r.Context(), parentID, req, clientIP(r))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}

// ListDevices returns the parent's devices
func (h *DevicesHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	list, err := h.devices.ListByParent(r.Context(), parentID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, list)
}
