package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"kidgate/internal/devices"
	"kidgate/internal/jobs"
	"kidgate/internal/models"
	"kidgate/internal/respond"

	"github.com/google/uuid"
)

type JobsHandler struct {
	jobs    *jobs.Queue
	devices *devices.Store
}

func NewJobsHandler(q *jobs.Queue, ds *devices.Store) *JobsHandler {
	return &JobsHandler{jobs: q, devices: ds}
}

type CreateJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type AdminCreateJobRequest struct {
	DeviceID uuid.UUID       `json:"device_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// CreateJob queues a command for one of the parent's devices
func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	deviceID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req CreateJobRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	if _, err := h.devices.GetOwned(r.Context(), parentID, deviceID); err != nil {
		respond.Error(w, r, err)
		return
	}
	job, err := h.jobs.Enqueue(r.Context(), deviceID, req.Type, req.Payload, parentID.String())
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, job)
}

// ListJobs returns a device's jobs (optionally filtered by status)
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	deviceID, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	if _, err := h.devices.GetOwned(r.Context(), parentID, deviceID); err != nil {
		respond.Error(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.jobs.List(r.Context(), deviceID, models.JobStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

// AdminCreateJob queues a command for any device
func (h *JobsHandler) AdminCreateJob(w http.ResponseWriter, r *http.Request) {
	var req AdminCreateJobRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	job, err := h.jobs.Enqueue(r.Context(), req.DeviceID, req.Type, req.Payload, "admin")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, job)
}

// AdminGetJob returns a single job by ID
func (h *JobsHandler) AdminGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, job)
}
