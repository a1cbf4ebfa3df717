// Package concept maps free-text topic mentions to canonical SQL concepts,
// detects learning intent, and gates generated questions against per-concept
// lexical signatures.
package concept

import (
	"log/slog"
	"strings"

	"github.com/pavelanni/sqlprobe/internal/model"
)

// FallbackQuestion replaces any generated question that violates its
// concept signature. A fixed scenario keeps the exam from stalling on
// off-topic or ungenerateable content.
const FallbackQuestion = "Table A has ids 1 and 2. " +
	"Table B has id 2 only. " +
	"Using LEFT JOIN A to B on id, which rows appear?"

// Normalize maps a free-text topic string to a canonical concept.
// Checks run in a fixed priority order; the first match wins. Empty or
// unrecognized input yields ConceptUnknown.
func Normalize(topic string) model.Concept {
	if topic == "" {
		return model.ConceptUnknown
	}
	c := strings.ToLower(topic)

	switch {
	case strings.Contains(c, "join"):
		return model.ConceptJoins
	case strings.Contains(c, "transaction"), strings.Contains(c, "savepoint"):
		return model.ConceptTransactions
	case strings.Contains(c, "index"):
		return model.ConceptIndexes
	case strings.Contains(c, "null"):
		return model.ConceptNulls
	case strings.Contains(c, "where"), strings.Contains(c, "having"):
		return model.ConceptWhereHaving
	case strings.Contains(c, "union"), strings.Contains(c, "intersect"), strings.Contains(c, "except"):
		return model.ConceptSetOps
	case strings.Contains(c, "key"), strings.Contains(c, "constraint"):
		return model.ConceptConstraints
	case strings.Contains(c, "subquery"):
		return model.ConceptSubqueries
	case strings.Contains(c, "view"):
		return model.ConceptViews
	}
	return model.ConceptUnknown
}

// Intent is the result of scanning free text for a learning request.
type Intent struct {
	Activate bool
	Topic    model.Concept
}

var intentKeywords = []string{
	"learn", "teach", "explain", "understand",
	"test", "practice", "quiz",
	"question", "questions", "problems",
}

// conceptTable is scanned in order; the first concept with a matching
// keyword wins regardless of where the keyword appears in the text.
var conceptTable = []struct {
	concept model.Concept
	keys    []string
}{
	{model.ConceptJoins, []string{"join", "joins", "left join", "right join", "inner join"}},
	{model.ConceptIndexes, []string{"index", "indexes"}},
	{model.ConceptTransactions, []string{"transaction", "commit", "rollback"}},
	{model.ConceptSubqueries, []string{"subquery", "exists"}},
	{model.ConceptNulls, []string{"null", "is null"}},
	{model.ConceptWhereHaving, []string{"where", "having", "group by"}},
	{model.ConceptSQL, []string{"sql"}},
}

// DetectIntent scans text for a combined learning intent and concept
// mention. Activate is true only when both are present.
func DetectIntent(text string) Intent {
	t := strings.ToLower(text)

	hasIntent := false
	for _, k := range intentKeywords {
		if strings.Contains(t, k) {
			hasIntent = true
			break
		}
	}

	var topic model.Concept
	for _, entry := range conceptTable {
		for _, k := range entry.keys {
			if strings.Contains(t, k) {
				topic = entry.concept
				break
			}
		}
		if topic != "" {
			break
		}
	}

	return Intent{
		Activate: hasIntent && topic != "",
		Topic:    topic,
	}
}

// signature is the lexical contract a generated question must satisfy for
// a concept.
type signature struct {
	required  []string
	forbidden []string
}

var signatures = map[model.Concept]signature{
	model.ConceptJoins: {
		required: []string{" join "},
		forbidden: []string{
			"subquery",
			"exists",
			"group by",
			"avg(",
			"sum(",
			"count(",
			"min(",
			"max(",
			"what aspect",
			"should the diagnostic",
			"execution order",
		},
	},
	model.ConceptSubqueries: {
		required:  []string{"select"},
		forbidden: []string{" join "},
	},
	// SQL is a meta-trigger; no contract to enforce.
	model.ConceptSQL: {},
}

// Gate validates a generated question against the concept's signature.
// A question missing every required substring, or containing any forbidden
// one, is replaced by FallbackQuestion. Concepts without a registered
// signature accept the question unconditionally. The returned bool reports
// whether the question was replaced.
func Gate(question string, c model.Concept) (string, bool) {
	sig, ok := signatures[c]
	if !ok {
		return question, false
	}

	q := strings.ToLower(question)

	if len(sig.required) > 0 && !containsAny(q, sig.required) {
		slog.Warn("question rejected", "concept", c, "reason", "missing required concept signal")
		return FallbackQuestion, true
	}
	if containsAny(q, sig.forbidden) {
		slog.Warn("question rejected", "concept", c, "reason", "forbidden concept leakage")
		return FallbackQuestion, true
	}
	return question, false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
