package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pavelanni/sqlprobe/internal/exam"
)

// handleHeuristicDecide exposes the mcq/text branching heuristic directly.
// Invalid input never fails: the response degrades to mcq with a reason
// naming the bad field.
func (h *Handler) handleHeuristicDecide(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	if body.Obj == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":   "mcq",
			"reason": "Invalid heuristic inputs: body is not a JSON object",
		})
		return
	}

	gap, confidence, turns, err := heuristicInputs(body.Obj)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":   "mcq",
			"reason": "Invalid heuristic inputs: " + err.Error(),
		})
		return
	}

	mode, reason := exam.Decide(gap, confidence, turns)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "reason": reason})
}

// heuristicInputs pulls gap_score, confidence_score and turns_so_far out of
// the request object. Missing fields default to zero; present fields must
// be numeric.
func heuristicInputs(obj map[string]any) (gap, confidence float64, turns int, err error) {
	numeric := func(key string) (float64, error) {
		v, present := obj[key]
		if !present || v == nil {
			return 0, nil
		}
		f, ok := floatField(obj, key)
		if !ok {
			return 0, fmt.Errorf("%s is not numeric", key)
		}
		return f, nil
	}

	if gap, err = numeric("gap_score"); err != nil {
		return 0, 0, 0, err
	}
	if confidence, err = numeric("confidence_score"); err != nil {
		return 0, 0, 0, err
	}
	t, err := numeric("turns_so_far")
	if err != nil {
		return 0, 0, 0, err
	}
	return gap, confidence, int(t), nil
}

// handleGenerateMCQ asks the MCQ agent for a question. Malformed agent
// output degrades to a fixed fallback inside the agent layer; only a
// transport failure surfaces, as a bad gateway.
func (h *Handler) handleGenerateMCQ(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	payload := body.Obj
	if payload == nil {
		payload = map[string]any{}
	}

	content, err := h.agents.GenerateMCQ(r.Context(), payload)
	if err != nil {
		slog.Error("mcq generation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "mcq agent unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, content)
}

// handleGenerateText asks the text agent for an open-ended probe. A bare
// string body is wrapped as the base question with neutral scores.
func (h *Handler) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	payload := body.Obj
	if payload == nil {
		if body.Str == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid text probe input payload"})
			return
		}
		payload = map[string]any{
			"concept":          nil,
			"base_question":    body.Str,
			"base_answer":      nil,
			"gap_score":        0.5,
			"confidence_score": 0.5,
		}
	}

	content, err := h.agents.GenerateText(r.Context(), payload)
	if err != nil {
		slog.Error("text generation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "text agent unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, content)
}
