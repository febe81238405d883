package api

import (
	"net/http"
	"strconv"

	"github.com/memextech/headless-terminal-mcp/internal/db"
)

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	list, err := h.journal.Sessions().List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.logger.Warn("list journal sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []*db.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) listHistoryCommands(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sess, err := h.journal.Sessions().Get(r.Context(), id)
	if err != nil {
		h.logger.Warn("get journal session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	cmds, err := h.journal.Commands().ListBySession(r.Context(), id, limit)
	if err != nil {
		h.logger.Warn("list journal commands failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []*db.SessionCommand{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "commands": cmds})
}
