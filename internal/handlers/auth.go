package handlers

import (
	"net/http"
	"time"

	"kidgate/internal/audit"
	"kidgate/internal/auth"
	"kidgate/internal/models"
	"kidgate/internal/parents"
	"kidgate/internal/respond"

	"github.com/rs/zerolog/hlog"
)

type AuthHandler struct {
	parents    *parents.Store
	sessions   *auth.Codec
	sessionTTL time.Duration
	audit      *audit.Logger
}

func NewAuthHandler(ps *parents.Store, sessions *auth.Codec, sessionTTL time.Duration, auditLog *audit.Logger) *AuthHandler {
	return &AuthHandler{parents: ps, sessions: sessions, sessionTTL: sessionTTL, audit: auditLog}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Parent    *models.Parent `json:"parent"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	parent, err := h.parents.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.audit.LogWithIP(r.Context(), audit.EventLoginFailed, "", req.Email, clientIP(r), nil)
		respond.Error(w, r, err)
		return
	}
	h.issue(w, r, parent, http.StatusOK)
	h.audit.LogWithIP(r.Context(), audit.EventLogin, parent.ID.String(), parent.ID.String(), clientIP(r), nil)
}

// Register handles parent registration
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	parent, err := h.parents.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("parent_id", parent.ID.String()).Msg("Parent registered")
	h.audit.LogWithIP(r.Context(), audit.EventParentRegistered, parent.ID.String(), parent.ID.String(), clientIP(r), nil)
	h.issue(w, r, parent, http.StatusCreated)
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, parent *models.Parent, status int) {
	issued, err := h.sessions.Mint(parent.ID.String(), h.sessionTTL)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, status, LoginResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt, Parent: parent})
}

// Me returns the authenticated parent
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	parentID, err := parentFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	parent, err := h.parents.Get(r.Context(), parentID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, parent)
}
