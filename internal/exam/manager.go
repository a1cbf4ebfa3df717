package exam

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/model"
	"github.com/pavelanni/sqlprobe/internal/store"
)

// DefaultSessionID is used when a caller supplies no session id.
const DefaultSessionID = "anonymous"

// Manager owns the per-session exam state, keyed by session id. It also
// receives asynchronous agent completions (it implements agent.Sink) and
// routes them into the right session.
type Manager struct {
	agents agent.Agent
	store  *store.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(agents agent.Agent, st *store.Store) *Manager {
	return &Manager{
		agents:   agents,
		store:    st,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for an id, creating it on first use. An
// empty id maps to DefaultSessionID.
func (m *Manager) Session(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{
			id:     id,
			agents: m.agents,
			store:  m.store,
			epoch:  1,
			phase:  model.PhaseIdle,
		}
		m.sessions[id] = s
	}
	return s
}

// QuestionReady delivers a generated base question (agent.Sink).
func (m *Manager) QuestionReady(sessionID string, epoch uint64, question string) {
	m.Session(sessionID).AcceptQuestion(epoch, question)
}

// ProbeReady records that a probe was produced for a session (agent.Sink).
func (m *Manager) ProbeReady(sessionID string) {
	m.Session(sessionID).ProbeSeen()
}

// StabilityReady delivers a stabilizer verdict (agent.Sink).
func (m *Manager) StabilityReady(sessionID string, epoch uint64, result model.StabilityResult) {
	m.Session(sessionID).AcceptStability(context.Background(), epoch, result)
}

// ChatReady stores a chat reply for later polling (agent.Sink).
func (m *Manager) ChatReady(executionID, text string) {
	if err := m.store.SaveChatResponse(executionID, text); err != nil {
		slog.Error("store chat response", "execution_id", executionID, "error", err)
	}
}
