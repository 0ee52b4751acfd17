package handlers

import (
	"net/http"

	"kidgate/internal/parents"
	"kidgate/internal/respond"
)

type ChildrenHandler struct {
	parents *parents.Store
}

func NewChildrenHandler(ps *parents.Store) *ChildrenHandler {
	return &ChildrenHandler{parents: ps}
}

type CreateChildRequest struct {
	Name string `json:"name"`
}

func (h *ChildrenHandler) CreateChild(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req CreateChildRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	child, err := h.parents.AddChild(r.Context(), parentID, req.Name)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, child)
}

func (h *ChildrenHandler) ListChildren(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	list, err := h.parents.ListChildren(r.Context(), parentID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, list)
}
