package handlers

import (
	"net/http"

	"kidgate/internal/apperr"
	"kidgate/internal/commands"
	"kidgate/internal/respond"

	"github.com/gorilla/mux"
)

type CommandsHandler struct{}

func NewCommandsHandler() *CommandsHandler {
	return &CommandsHandler{}
}

// ListCommands returns all known device commands
func (h *CommandsHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, commands.List())
}

// GetCommand returns a single command by type
func (h *CommandsHandler) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd := commands.Get(mux.Vars(r)["type"])
	if cmd == nil {
		respond.Error(w, r, apperr.NotFound("Command not found"))
		return
	}
	respond.JSON(w, http.StatusOK, cmd)
}
