package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/concept"
)

// handleChat routes free-form learner input. Input carrying a learning
// intent starts a diagnostic; everything else is forwarded to the chat
// agent and answered asynchronously.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	userInput := body.field("user_input")
	if userInput == "" {
		userInput = body.Str
	}
	userInput = strings.TrimSpace(userInput)
	sessionID := body.sessionID()

	if userInput == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "empty"})
		return
	}

	intent := concept.DetectIntent(userInput)
	if intent.Activate {
		started := h.manager.Session(sessionID).Start(r.Context(), intent.Topic, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"mode":    "exam_start",
			"message": fmt.Sprintf("Starting a diagnostic on %s.", started),
		})
		return
	}

	executionID, err := h.agents.Chat(r.Context(), sessionID, userInput)
	if err != nil {
		slog.Warn("chat dispatch failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": "chat", "status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"mode":         "chat",
		"status":       "pending",
		"execution_id": executionID,
	})
}

// handleChatResult polls for a chat reply by execution id. A delivered
// reply is consumed by the read.
func (h *Handler) handleChatResult(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	text, ok, err := h.store.TakeChatResponse(executionID)
	if err != nil {
		slog.Error("chat response lookup failed", "execution_id", executionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "complete", "text": text})
}

// handleChatWebhook receives the chat agent's reply. The payload shape
// varies by workflow version, so the text is dug out of several spots.
func (h *Handler) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)

	var executionID, text string
	if body.Obj != nil {
		executionID = firstString(body.Obj, "executionID", "execution_id")
		text = firstString(body.Obj, "text", "output", "message")
		if text == "" {
			if outputs, ok := body.Obj["outputs"].(map[string]any); ok {
				text = firstString(outputs, "text", "output")
			}
		}
	} else {
		parsed := agent.ExtractJSON(body.Str)
		if parsed != nil {
			executionID = firstString(parsed, "executionID", "execution_id")
			text = firstString(parsed, "text", "output", "message")
		} else {
			text = body.Str
		}
	}

	if text == "" {
		writeJSON(w, http.StatusOK, "OK")
		return
	}
	if executionID == "" {
		slog.Warn("chat webhook without execution id, reply dropped")
		writeJSON(w, http.StatusOK, "OK")
		return
	}
	if err := h.store.SaveChatResponse(executionID, text); err != nil {
		slog.Error("store chat response", "execution_id", executionID, "error", err)
	}
	writeJSON(w, http.StatusOK, "OK")
}

// handleMediaExtract ingests text extracted from uploaded material. When
// the text carries a learning intent and the session is idle, a diagnostic
// starts with the extract as seed material for the question agent.
func (h *Handler) handleMediaExtract(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	sessionID := body.sessionID()

	extracted := body.Str
	if body.Obj != nil {
		extracted = extractedText(body.Obj, "text", "raw_text", "content", "transcript")
	}
	extracted = strings.TrimSpace(extracted)

	if extracted == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": "media", "status": "no text extracted"})
		return
	}

	intent := concept.DetectIntent(extracted)
	if intent.Activate {
		started, ok := h.manager.Session(sessionID).StartIfIdle(r.Context(), intent.Topic, extracted)
		if ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":      true,
				"mode":    "exam_start",
				"message": fmt.Sprintf("Starting a diagnostic on %s from the uploaded material.", started),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": "media", "raw_text": extracted})
}

// extractedText returns the first non-empty text among the named keys.
// Extractors deliver either a single string or a list of fragments; list
// items are joined with newlines, skipping anything that is not a string
// or a number.
func extractedText(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case []any:
			var parts []string
			for _, item := range v {
				switch it := item.(type) {
				case string:
					parts = append(parts, it)
				case float64:
					parts = append(parts, strconv.FormatFloat(it, 'f', -1, 64))
				}
			}
			if joined := strings.TrimSpace(strings.Join(parts, "\n")); joined != "" {
				return joined
			}
		}
	}
	return ""
}

// firstString returns the first non-empty string among the named keys.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
