// Package handler exposes the exam flow over HTTP. The surface is
// delivery-safe: request bodies are parsed leniently and internal failures
// degrade to fallback payloads instead of hard errors.
package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/exam"
	"github.com/pavelanni/sqlprobe/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	manager *exam.Manager
	agents  agent.Agent
	store   *store.Store
}

// New creates a new Handler.
func New(m *exam.Manager, a agent.Agent, s *store.Store) *Handler {
	return &Handler{manager: m, agents: a, store: s}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/result/{executionID}", h.handleChatResult)
	r.Post("/chat/webhook", h.handleChatWebhook)
	r.Post("/media/extract", h.handleMediaExtract)

	r.Post("/question", h.handleQuestionWebhook)
	r.Get("/question", h.handleGetQuestion)
	r.Post("/answer", h.handleAnswer)
	r.Post("/probe", h.handleProbeWebhook)
	r.Get("/probe", h.handleGetProbe)
	r.Get("/session/probes/{sessionID}", h.handleSessionProbes)
	r.Post("/stabilizer", h.handleStabilizerWebhook)
	r.Post("/exam/next", h.handleExamNext)

	r.Post("/heuristic/decide", h.handleHeuristicDecide)
	r.Post("/generate/mcq", h.handleGenerateMCQ)
	r.Post("/generate/text", h.handleGenerateText)

	r.Post("/logger/analyze", h.handleLoggerAnalyze)
	r.Get("/logger/result/{sessionID}", h.handleLoggerResult)
	r.Post("/session/store", h.handleSessionStore)

	r.Get("/result", h.handleResult)
	r.Get("/status", h.handleStatus)
}

// CORS allows the browser frontend to call the API from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

// looseBody is a leniently parsed request body: a JSON object, or failing
// that the raw text. Unparsable input never fails; it just lands in Str.
type looseBody struct {
	Obj map[string]any
	Str string
}

func decodeLoose(r *http.Request) looseBody {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return looseBody{}
	}
	trimmed := strings.TrimSpace(string(raw))

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return looseBody{Obj: obj}
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
		return looseBody{Str: strings.TrimSpace(s)}
	}
	return looseBody{Str: trimmed}
}

// field returns a string field of the body object, or "".
func (b looseBody) field(key string) string {
	if b.Obj == nil {
		return ""
	}
	s, _ := b.Obj[key].(string)
	return s
}

// sessionID returns the body's session id, defaulting to the anonymous
// session.
func (b looseBody) sessionID() string {
	if id := b.field("session_id"); id != "" {
		return id
	}
	return exam.DefaultSessionID
}

// querySessionID returns the session id from the query string, defaulting
// to the anonymous session.
func querySessionID(r *http.Request) string {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	return exam.DefaultSessionID
}
