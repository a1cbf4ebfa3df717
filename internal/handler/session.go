package handler

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sqlprobe/internal/agent"
)

// handleSessionStore appends a turn to a session's log. Unlike the rest of
// the surface this endpoint validates its input: a malformed record would
// poison every later analysis of the log.
func (h *Handler) handleSessionStore(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	if body.Obj == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}

	sessionID, _ := body.Obj["session_id"].(string)
	turnNum, turnOK := body.Obj["turn"].(float64)
	payload, payloadOK := body.Obj["payload"].(map[string]any)
	if sessionID == "" || !turnOK || turnNum != math.Trunc(turnNum) || !payloadOK {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}
	if err := h.store.AppendTurn(sessionID, int(turnNum), raw); err != nil {
		slog.Error("append turn failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleLoggerAnalyze runs the logger agent over a session's turn log and
// stores the resulting gap report. An agent failure stores the fallback
// report instead; analysis never hard-fails.
func (h *Handler) handleLoggerAnalyze(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	sessionID := body.field("session_id")
	if sessionID == "" {
		sessionID = body.Str
	}
	if sessionID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "missing session_id"})
		return
	}

	history, err := h.store.Turns(sessionID)
	if err != nil {
		slog.Error("turn log lookup failed", "session_id", sessionID, "error", err)
		history = nil
	}

	report, err := h.agents.AnalyzeSession(r.Context(), sessionID, history)
	if err != nil {
		slog.Warn("session analysis failed, storing fallback report", "session_id", sessionID, "error", err)
		report = agent.FallbackGapReport()
	}
	if err := h.store.SaveGapReport(sessionID, report); err != nil {
		slog.Error("store gap report failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"session_id":   sessionID,
		"issues_found": len(report.Diagnosis),
	})
}

// handleLoggerResult returns the stored gap report for a session.
func (h *Handler) handleLoggerResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	report, err := h.store.GetGapReport(sessionID)
	if err != nil {
		slog.Error("gap report lookup failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"status": "no report yet"})
		return
	}
	if report == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no report yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
