package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/process"
	"github.com/memextech/headless-terminal-mcp/internal/session"
)

const maxWait = 5 * time.Minute

type createSessionRequest struct {
	Command []string `json:"command"`
}

type sendKeysRequest struct {
	Keys []string `json:"keys"`
}

type executeRequest struct {
	Command   string `json:"command"`
	SettleMS  int    `json:"settle_ms"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	info, err := h.sessions.Create(r.Context(), session.CreateRequest{Command: req.Command})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *handler) sendKeys(w http.ResponseWriter, r *http.Request) {
	var req sendKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys are required")
		return
	}

	if err := h.sessions.SendKeys(r.Context(), r.PathValue("id"), req.Keys); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": len(req.Keys)})
}

func (h *handler) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	timeout, ok := millisParam(w, r, "timeout_ms")
	if !ok {
		return
	}
	snap, err := h.sessions.TakeSnapshot(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) waitForOutput(w http.ResponseWriter, r *http.Request) {
	timeout, ok := millisParam(w, r, "timeout_ms")
	if !ok {
		return
	}
	lines, err := h.sessions.WaitForOutput(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": lines})
}

func (h *handler) executeCommand(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	snap, err := h.sessions.ExecuteCommand(r.Context(), r.PathValue("id"), req.Command, clampMillis(req.SettleMS), clampMillis(req.TimeoutMS))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	var launchErr *process.LaunchError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &launchErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Warn("session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// millisParam reads an optional millisecond query parameter. It writes a 400
// and reports false when the value is not a number.
func millisParam(w http.ResponseWriter, r *http.Request, name string) (time.Duration, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return clampMillis(ms), true
}

func clampMillis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait {
		return maxWait
	}
	return d
}
