package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/model"
)

// handleQuestionWebhook receives a generated base question from the
// question agent.
func (h *Handler) handleQuestionWebhook(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)

	var question, sessionID string
	var epoch uint64
	if body.Obj != nil {
		question = firstString(body.Obj, "question", "text", "output")
		sessionID = body.sessionID()
		epoch = uintField(body.Obj, "epoch")
	} else {
		parsed := agent.ExtractJSON(body.Str)
		if parsed != nil {
			question = firstString(parsed, "question", "text", "output")
			if id, ok := parsed["session_id"].(string); ok && id != "" {
				sessionID = id
			}
			epoch = uintField(parsed, "epoch")
		} else {
			question = body.Str
		}
	}

	h.manager.QuestionReady(sessionID, epoch, question)
	writeJSON(w, http.StatusOK, "OK")
}

// handleGetQuestion returns whatever the learner should currently see.
func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	sess := h.manager.Session(querySessionID(r))
	writeJSON(w, http.StatusOK, sess.PendingQuestion())
}

// handleAnswer accepts a learner answer and advances the exam flow. An
// empty answer is acknowledged but never advances the phase.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	answer := body.field("answer")
	if answer == "" {
		answer = body.Str
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "empty answer ignored"})
		return
	}

	sess := h.manager.Session(body.sessionID())
	res := sess.SubmitAnswer(r.Context(), answer)
	if res.Status == "answer ignored" {
		writeJSON(w, http.StatusOK, map[string]any{"status": res.Status, "phase": res.Phase})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Status})
}

// handleProbeWebhook records that the probe agent produced a follow-up.
// The probe text itself travels through the answer flow; this endpoint is
// telemetry that feeds the re-probe budget.
func (h *Handler) handleProbeWebhook(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	sessionID := body.sessionID()
	h.manager.ProbeReady(sessionID)
	slog.Debug("probe callback", "session_id", sessionID)
	writeJSON(w, http.StatusOK, "OK")
}

// handleGetProbe returns the most recent probe turn logged for a session.
func (h *Handler) handleGetProbe(w http.ResponseWriter, r *http.Request) {
	sessionID := querySessionID(r)
	probes, err := h.store.ProbeTurns(sessionID)
	if err != nil {
		slog.Error("probe turn lookup failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"status": "no probe yet"})
		return
	}
	if len(probes) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no probe yet"})
		return
	}
	writeJSON(w, http.StatusOK, probes[len(probes)-1])
}

// handleSessionProbes returns every probe turn logged for a session.
func (h *Handler) handleSessionProbes(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	probes, err := h.store.ProbeTurns(sessionID)
	if err != nil {
		slog.Error("probe turn lookup failed", "session_id", sessionID, "error", err)
		probes = nil
	}
	if probes == nil {
		probes = []model.SessionTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "probes": probes})
}

// handleStabilizerWebhook receives the stabilizer verdict. Partial payloads
// get neutral defaults: confidence 0.5, gap one minus confidence.
func (h *Handler) handleStabilizerWebhook(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)

	parsed := body.Obj
	if parsed == nil {
		parsed = agent.ExtractJSON(body.Str)
	}
	if parsed == nil {
		slog.Warn("stabilizer webhook with unparsable body")
		writeJSON(w, http.StatusOK, "OK")
		return
	}

	confidence, ok := floatField(parsed, "confidence_score", "confidence")
	if !ok {
		confidence = 0.5
	}
	gap, ok := floatField(parsed, "gap_score", "gap")
	if !ok {
		gap = 1 - confidence
	}
	result := model.StabilityResult{
		Confidence:    confidence,
		GapScore:      gap,
		Understanding: firstString(parsed, "understanding"),
		FailurePoint:  firstString(parsed, "failure_point"),
	}

	sessionID := ""
	if id, ok := parsed["session_id"].(string); ok {
		sessionID = id
	}
	h.manager.StabilityReady(sessionID, uintField(parsed, "epoch"), result)
	writeJSON(w, http.StatusOK, "OK")
}

// handleExamNext is the polling entry point for the frontend loop.
func (h *Handler) handleExamNext(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	sess := h.manager.Session(body.sessionID())
	writeJSON(w, http.StatusOK, sess.Next(r.Context()))
}

// handleResult returns the latest stabilizer verdict for a session.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	sess := h.manager.Session(querySessionID(r))
	result := sess.Result()
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no result yet"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStatus returns the session's phase and active concept.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	phase, c := h.manager.Session(querySessionID(r)).Status()
	writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "concept": c})
}

// floatField returns the first numeric value among the named keys.
// Numbers encoded as strings count.
func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// uintField returns a non-negative integer field, or zero when absent or
// malformed. Zero marks an untagged delivery.
func uintField(m map[string]any, key string) uint64 {
	f, ok := m[key].(float64)
	if !ok || f < 0 {
		return 0
	}
	return uint64(f)
}
