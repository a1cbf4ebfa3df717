// Package agent talks to the external content-generation agents: a remote
// workflow deployment reached over HTTP, or a local OpenAI-compatible
// endpoint standing in for all of them.
package agent

import (
	"context"
	"encoding/json"

	"github.com/pavelanni/sqlprobe/internal/model"
)

// QuestionRequest asks the question agent for a base question on a concept.
// The question itself arrives asynchronously (webhook or Sink).
type QuestionRequest struct {
	SessionID     string  `json:"session_id,omitempty"`
	PreviousTopic *string `json:"previous_topic"`
	Concept       string  `json:"concept"`
	SeedText      string  `json:"seed_text,omitempty"`

	// Epoch tags the completion so a stale delivery can be discarded
	// after a session reset. Not part of the wire payload.
	Epoch uint64 `json:"-"`
}

// ProbeRequest asks the probe agent for a follow-up on a base answer.
type ProbeRequest struct {
	SessionID        string `json:"session_id,omitempty"`
	Concept          string `json:"concept"`
	PreviousQuestion string `json:"previous_question"`
	UserAnswer       string `json:"user_answer"`
}

// StabilityRequest asks the stabilizer agent for a verdict on the base and
// probe answers. The verdict arrives asynchronously (webhook or Sink).
type StabilityRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	BaseQuestion  string `json:"base_question"`
	BaseAnswer    string `json:"base_answer"`
	ProbeQuestion string `json:"probe_question"`
	ProbeAnswer   string `json:"probe_answer"`
	ConceptID     string `json:"concept_id"`

	Epoch uint64 `json:"-"`
}

// Agent is the set of external content operations the exam flow and the
// HTTP surface depend on. Implemented by Client (remote workflows) and
// Local (OpenAI-compatible endpoint).
type Agent interface {
	RequestQuestion(ctx context.Context, req QuestionRequest) error
	GenerateProbe(ctx context.Context, req ProbeRequest) (string, error)
	RequestStability(ctx context.Context, req StabilityRequest) error
	GenerateMCQ(ctx context.Context, payload map[string]any) (model.MCQContent, error)
	GenerateText(ctx context.Context, payload map[string]any) (model.TextContent, error)
	AnalyzeSession(ctx context.Context, sessionID string, history []model.SessionTurn) (model.GapReport, error)
	Chat(ctx context.Context, sessionID, userInput string) (string, error)
}

// Sink receives completions for the asynchronous agent roles. Remote
// workflow agents deliver completions through HTTP webhooks instead, so
// only Local calls it.
type Sink interface {
	QuestionReady(sessionID string, epoch uint64, question string)
	ProbeReady(sessionID string)
	StabilityReady(sessionID string, epoch uint64, result model.StabilityResult)
	ChatReady(executionID, text string)
}

// FallbackMCQ is substituted when the MCQ agent response is missing or
// malformed. The exam must always have something to show.
func FallbackMCQ() model.MCQContent {
	return model.MCQContent{
		QuestionType: "mcq",
		Question:     "Which statement is correct?",
		Options: map[string]string{
			"A": "LEFT JOIN keeps unmatched left rows",
			"B": "INNER JOIN removes unmatched rows",
			"C": "FULL JOIN keeps all rows",
			"D": "RIGHT JOIN keeps unmatched right rows",
		},
	}
}

// FallbackGapReport is substituted when the logger agent response is
// missing or malformed.
func FallbackGapReport() model.GapReport {
	return model.GapReport{
		Diagnosis: []json.RawMessage{},
		Summary:   "Unable to identify explanation gaps from session history.",
	}
}

func placeholderOptions() map[string]string {
	return map[string]string{
		"A": "Option A",
		"B": "Option B",
		"C": "Option C",
		"D": "Option D",
	}
}
