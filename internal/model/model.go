package model

import (
	"encoding/json"
	"time"
)

// Phase represents the exam flow phase of a session.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseWaitingBase     Phase = "waiting_base"
	PhaseGeneratingProbe Phase = "generating_probe"
	PhaseWaitingProbe    Phase = "waiting_probe"
	PhaseAnalyzing       Phase = "analyzing"
	PhaseFollowup        Phase = "followup"
	PhaseError           Phase = "error"
)

// Concept is a canonical SQL-topic identifier used to scope question
// generation and gating.
type Concept string

const (
	ConceptJoins        Concept = "joins"
	ConceptTransactions Concept = "transactions"
	ConceptIndexes      Concept = "indexes"
	ConceptNulls        Concept = "nulls"
	ConceptWhereHaving  Concept = "where_having"
	ConceptSetOps       Concept = "set_ops"
	ConceptConstraints  Concept = "constraints"
	ConceptSubqueries   Concept = "subqueries"
	ConceptViews        Concept = "views"
	ConceptUnknown      Concept = "unknown"

	// ConceptSQL is a meta-trigger, not a testable concept. An intent
	// mentioning bare "sql" resolves to the joins entry point upstream.
	ConceptSQL Concept = "sql"
)

// FollowupType selects the format of the follow-up question issued after
// stabilization.
type FollowupType string

const (
	FollowupMCQ  FollowupType = "mcq"
	FollowupText FollowupType = "text"
)

// StabilityResult is the stabilizer verdict on a base+probe answer pair.
// GapScore defaults to 1 - Confidence when the agent omits it.
type StabilityResult struct {
	Confidence    float64 `json:"confidence"`
	GapScore      float64 `json:"gap_score"`
	Understanding string  `json:"understanding,omitempty"`
	FailurePoint  string  `json:"failure_point,omitempty"`
}

// MCQContent is a four-option multiple-choice follow-up.
type MCQContent struct {
	QuestionType string            `json:"question_type"`
	Question     string            `json:"question"`
	Options      map[string]string `json:"options"`
}

// TextContent is an open-ended follow-up.
type TextContent struct {
	QuestionType string `json:"question_type"`
	Question     string `json:"question"`
}

// SessionTurn is one entry of a session's turn log. Turn numbers are
// caller-asserted: duplicates and out-of-order values are stored as-is.
type SessionTurn struct {
	Turn    int             `json:"turn"`
	Payload json.RawMessage `json:"payload"`
}

// GapReport is the logger agent's diagnosis of explanation gaps in a
// session's history.
type GapReport struct {
	Diagnosis []json.RawMessage `json:"diagnosis"`
	Summary   string            `json:"summary"`
}

// SessionExport is one session's full turn log, used by the export command.
type SessionExport struct {
	SessionID string        `json:"session_id"`
	Turns     []SessionTurn `json:"turns"`
}

// Export is the top-level structure written by the export command.
type Export struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionExport `json:"sessions"`
}
