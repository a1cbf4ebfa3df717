// Package exam owns the diagnostic exam flow: per-session phase state,
// the transitions driven by answers and agent callbacks, and the
// mcq/text branching heuristics.
package exam

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/concept"
	"github.com/pavelanni/sqlprobe/internal/model"
	"github.com/pavelanni/sqlprobe/internal/store"
)

const (
	// fallbackProbe stands in when the probe agent fails or omits its
	// follow-up. The exam never stalls on a missing probe.
	fallbackProbe = "Explain your reasoning step by step."

	// reprobeQuestion is issued when the stabilizer verdict is too shaky
	// to branch on and the re-probe budget is not exhausted.
	reprobeQuestion = "Explain this again with a simple analogy."

	// seedTextLimit bounds the source-material excerpt forwarded to the
	// question agent.
	seedTextLimit = 1500

	// maxProbes bounds the re-probe loop; past it the flow proceeds to a
	// follow-up regardless of confidence.
	maxProbes = 2

	// reprobeConfidence is the verdict confidence below which another
	// probe is preferred over branching.
	reprobeConfidence = 0.7
)

// AnswerStatus reports how an inbound answer was handled.
type AnswerStatus struct {
	Status string      `json:"status"`
	Phase  model.Phase `json:"phase,omitempty"`
}

// Session holds one exam's phase record. All mutations of the record are a
// single critical section under mu; agent calls happen outside it, with an
// epoch check before committing their results.
type Session struct {
	id     string
	agents agent.Agent
	store  *store.Store

	mu              sync.Mutex
	epoch           uint64
	phase           model.Phase
	concept         model.Concept
	currentQuestion string
	baseAnswer      string
	probeQuestion   string
	probeAnswer     string
	stability       *model.StabilityResult
	followupType    model.FollowupType
	followup        any
	probeCount      int
}

// stale reports whether a completion tagged with epoch belongs to an
// earlier life of the session. Zero means the delivery is untagged
// (external webhook) and is always accepted.
func stale(epoch, current uint64) bool {
	return epoch != 0 && epoch != current
}

// Start retargets the session at a topic and requests a base question from
// the question agent. The bare "sql" meta-trigger enters at joins. Returns
// the canonical concept the diagnostic will run on.
func (s *Session) Start(ctx context.Context, topic model.Concept, seedText string) model.Concept {
	s.mu.Lock()
	if topic == model.ConceptSQL {
		s.concept = model.ConceptJoins
	} else {
		s.concept = concept.Normalize(string(topic))
	}
	s.phase = model.PhaseIdle
	s.epoch++
	req := agent.QuestionRequest{
		SessionID: s.id,
		Epoch:     s.epoch,
		Concept:   string(s.concept),
		SeedText:  truncateRunes(seedText, seedTextLimit),
	}
	started := s.concept
	s.mu.Unlock()

	if err := s.agents.RequestQuestion(ctx, req); err != nil {
		slog.Warn("question request failed", "session_id", s.id, "error", err)
	}
	return started
}

// StartIfIdle starts a diagnostic only when the session is idle. Used by
// the media-extract path, which must not interrupt an exam in flight.
func (s *Session) StartIfIdle(ctx context.Context, topic model.Concept, seedText string) (model.Concept, bool) {
	s.mu.Lock()
	if s.phase != model.PhaseIdle {
		s.mu.Unlock()
		return "", false
	}
	s.mu.Unlock()
	return s.Start(ctx, topic, seedText), true
}

// AcceptQuestion receives a generated base question, runs it through the
// concept gate, and opens the base-answer phase. Empty questions are
// ignored. Repeated callbacks re-execute the transition; there is no dedup.
func (s *Session) AcceptQuestion(epoch uint64, question string) {
	if strings.TrimSpace(question) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale(epoch, s.epoch) {
		slog.Warn("discarding stale question delivery", "session_id", s.id)
		return
	}
	gated, _ := concept.Gate(question, s.concept)
	s.currentQuestion = gated
	s.phase = model.PhaseWaitingBase
}

// SubmitAnswer advances the flow on an inbound answer. In waiting_base it
// requests a probe (falling back to a fixed question when the agent fails
// or omits one); in waiting_probe it fires the stabilizer. Answers in any
// other phase are ignored.
func (s *Session) SubmitAnswer(ctx context.Context, answer string) AnswerStatus {
	s.mu.Lock()

	switch s.phase {
	case model.PhaseWaitingBase:
		s.baseAnswer = answer
		s.phase = model.PhaseGeneratingProbe
		epoch := s.epoch
		req := agent.ProbeRequest{
			SessionID:        s.id,
			Concept:          string(s.concept),
			PreviousQuestion: s.currentQuestion,
			UserAnswer:       answer,
		}
		s.mu.Unlock()

		probeQ, err := s.agents.GenerateProbe(ctx, req)
		if err != nil {
			slog.Warn("probe generation failed, using fallback", "session_id", s.id, "error", err)
		}
		probeQ = strings.TrimSpace(probeQ)
		if probeQ == "" {
			probeQ = fallbackProbe
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != epoch {
			slog.Warn("discarding stale probe question", "session_id", s.id)
			return AnswerStatus{Status: "Base answer received", Phase: s.phase}
		}
		s.probeQuestion = probeQ
		s.phase = model.PhaseWaitingProbe
		return AnswerStatus{Status: "Base answer received", Phase: s.phase}

	case model.PhaseWaitingProbe:
		s.probeAnswer = answer
		s.phase = model.PhaseAnalyzing
		req := agent.StabilityRequest{
			SessionID:     s.id,
			Epoch:         s.epoch,
			BaseQuestion:  s.currentQuestion,
			BaseAnswer:    s.baseAnswer,
			ProbeQuestion: s.probeQuestion,
			ProbeAnswer:   answer,
			ConceptID:     string(s.concept),
		}
		s.mu.Unlock()

		if err := s.agents.RequestStability(ctx, req); err != nil {
			slog.Warn("stabilizer request failed", "session_id", s.id, "error", err)
		}
		return AnswerStatus{Status: "Probe answer received", Phase: model.PhaseAnalyzing}

	default:
		phase := s.phase
		s.mu.Unlock()
		return AnswerStatus{Status: "answer ignored", Phase: phase}
	}
}

// ProbeSeen records a probe agent callback. The counter only goes up.
func (s *Session) ProbeSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeCount++
}

// AcceptStability receives the stabilizer verdict. A shaky verdict inside
// the re-probe budget loops back to waiting_probe with a fixed re-probe
// question, consuming one unit of the budget; otherwise the in-flow branch
// picks mcq or text and the
// corresponding content is requested. A transport failure on that terminal
// request is the one error that parks the session in the error phase.
func (s *Session) AcceptStability(ctx context.Context, epoch uint64, res model.StabilityResult) {
	s.mu.Lock()
	if stale(epoch, s.epoch) {
		s.mu.Unlock()
		slog.Warn("discarding stale stability verdict", "session_id", s.id)
		return
	}
	s.stability = &res

	if res.Confidence < reprobeConfidence && s.probeCount < maxProbes {
		s.probeQuestion = reprobeQuestion
		s.probeCount++
		s.phase = model.PhaseWaitingProbe
		s.mu.Unlock()
		return
	}

	curEpoch := s.epoch
	payload := map[string]any{
		"concept":       string(s.concept),
		"base_question": s.currentQuestion,
		"base_answer":   s.probeAnswer,
	}
	s.mu.Unlock()

	turns, err := s.store.TurnCount(s.id)
	if err != nil {
		slog.Warn("turn count lookup failed", "session_id", s.id, "error", err)
		turns = 0
	}
	mode := followupMode(res.GapScore, turns)

	var content any
	var genErr error
	if mode == model.FollowupMCQ {
		payload["gap_score"] = res.GapScore
		payload["confidence_score"] = res.Confidence
		content, genErr = s.agents.GenerateMCQ(ctx, payload)
	} else {
		content, genErr = s.agents.GenerateText(ctx, payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != curEpoch {
		slog.Warn("discarding stale followup content", "session_id", s.id)
		return
	}
	if genErr != nil {
		slog.Error("followup generation failed", "session_id", s.id, "error", genErr)
		s.phase = model.PhaseError
		return
	}
	s.followupType = mode
	s.followup = content
	s.phase = model.PhaseFollowup
}

// PendingQuestion returns whatever the learner should currently see,
// shaped by phase.
func (s *Session) PendingQuestion() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case model.PhaseWaitingBase:
		return map[string]any{"type": "base", "question": s.currentQuestion}
	case model.PhaseWaitingProbe:
		return map[string]any{"type": "probe", "question": s.probeQuestion}
	case model.PhaseFollowup:
		return map[string]any{"type": s.followupType, "question": s.followup}
	default:
		return map[string]any{"status": "processing", "phase": s.phase}
	}
}

// Next is the polling entry point: it reports phase-appropriate progress
// and, from idle, re-requests a question for the current concept.
func (s *Session) Next(ctx context.Context) any {
	s.mu.Lock()
	switch s.phase {
	case model.PhaseIdle:
		req := agent.QuestionRequest{
			SessionID: s.id,
			Epoch:     s.epoch,
			Concept:   string(s.concept),
		}
		if s.concept != "" {
			prev := string(s.concept)
			req.PreviousTopic = &prev
		}
		s.mu.Unlock()

		if err := s.agents.RequestQuestion(ctx, req); err != nil {
			slog.Warn("question request failed", "session_id", s.id, "error", err)
		}
		return map[string]any{"status": "generating_question"}
	case model.PhaseWaitingBase:
		defer s.mu.Unlock()
		return map[string]any{"type": "question", "question": s.currentQuestion}
	case model.PhaseGeneratingProbe:
		s.mu.Unlock()
		return map[string]any{"status": "generating_probe"}
	case model.PhaseWaitingProbe:
		defer s.mu.Unlock()
		return map[string]any{"type": "probe", "question": s.probeQuestion}
	case model.PhaseAnalyzing:
		s.mu.Unlock()
		return map[string]any{"status": "analyzing"}
	default:
		s.mu.Unlock()
		return map[string]any{"status": "waiting"}
	}
}

// Status returns the current phase and concept.
func (s *Session) Status() (model.Phase, model.Concept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.concept
}

// Result returns the latest stability verdict, or nil before the first
// stabilizer callback.
func (s *Session) Result() *model.StabilityResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stability == nil {
		return nil
	}
	res := *s.stability
	return &res
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
