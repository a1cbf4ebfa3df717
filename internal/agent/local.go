package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/sqlprobe/internal/concept"
	"github.com/pavelanni/sqlprobe/internal/model"
)

// Local serves every agent role from a single OpenAI-compatible chat
// endpoint. It exists so the exam flow can run against a local model
// without the remote workflow deployment.
type Local struct {
	api   *openai.Client
	model string
	sink  Sink
}

// NewLocal creates a local agent backend.
func NewLocal(baseURL, apiKey, modelName string) *Local {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Local{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// SetSink registers the receiver for asynchronous completions. Must be
// called before any request method.
func (l *Local) SetSink(s Sink) {
	l.sink = s
}

// Ping verifies the endpoint responds at all.
func (l *Local) Ping(ctx context.Context) error {
	_, err := l.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	return nil
}

// complete runs one JSON-mode chat completion and parses the object out of
// the reply.
func (l *Local) complete(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	resp, err := l.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	parsed := ExtractJSON(raw)
	if parsed == nil {
		return nil, fmt.Errorf("parse LLM response (raw: %s)", raw)
	}
	return parsed, nil
}

// RequestQuestion generates a base question in the background and delivers
// it through the sink, mirroring the remote webhook flow. On failure it
// delivers the canonical fallback question so the exam never stalls.
func (l *Local) RequestQuestion(ctx context.Context, req QuestionRequest) error {
	go func() {
		question := concept.FallbackQuestion
		parsed, err := l.complete(context.WithoutCancel(ctx),
			buildQuestionSystemPrompt(), buildQuestionUserPrompt(req))
		if err != nil {
			slog.Warn("local question generation failed, delivering fallback", "error", err)
		} else if q := stringField(parsed, "question"); q != "" {
			question = q
		}
		l.sink.QuestionReady(req.SessionID, req.Epoch, question)
	}()
	return nil
}

// GenerateProbe generates a follow-up probe question. An empty return with
// nil error means the model omitted it. A successful generation signals the
// sink the same way the remote probe workflow reports its callback, so the
// probe counter advances in either mode.
func (l *Local) GenerateProbe(ctx context.Context, req ProbeRequest) (string, error) {
	parsed, err := l.complete(ctx, buildProbeSystemPrompt(), buildProbeUserPrompt(req))
	if err != nil {
		return "", err
	}
	l.sink.ProbeReady(req.SessionID)
	return stringField(parsed, "followup_question"), nil
}

// RequestStability scores the answer pair in the background and delivers
// the verdict through the sink. On failure it delivers a neutral verdict.
func (l *Local) RequestStability(ctx context.Context, req StabilityRequest) error {
	go func() {
		result := model.StabilityResult{Confidence: 0.5, GapScore: 0.5}
		parsed, err := l.complete(context.WithoutCancel(ctx),
			buildStabilizerSystemPrompt(), buildStabilizerUserPrompt(req))
		if err != nil {
			slog.Warn("local stabilizer failed, delivering neutral verdict", "error", err)
		} else {
			result = stabilityFromMap(parsed)
		}
		l.sink.StabilityReady(req.SessionID, req.Epoch, result)
	}()
	return nil
}

func stabilityFromMap(parsed map[string]any) model.StabilityResult {
	confidence := 0.5
	if v, ok := parsed["confidence"].(float64); ok {
		confidence = v
	}
	gap := 1.0 - confidence
	if v, ok := parsed["gap_score"].(float64); ok {
		gap = v
	}
	return model.StabilityResult{
		Confidence:    confidence,
		GapScore:      gap,
		Understanding: stringField(parsed, "understanding"),
		FailurePoint:  stringField(parsed, "failure_point"),
	}
}

// GenerateMCQ builds a four-option multiple-choice follow-up.
func (l *Local) GenerateMCQ(ctx context.Context, payload map[string]any) (model.MCQContent, error) {
	parsed, err := l.complete(ctx, buildMCQSystemPrompt(), mustJSON(payload))
	if err != nil {
		return model.MCQContent{}, err
	}
	if parsed["question"] == nil {
		return FallbackMCQ(), nil
	}
	question, _ := parsed["question"].(string)
	return model.MCQContent{
		QuestionType: "mcq",
		Question:     question,
		Options:      parseOptions(parsed["options"]),
	}, nil
}

// GenerateText builds an open-ended follow-up.
func (l *Local) GenerateText(ctx context.Context, payload map[string]any) (model.TextContent, error) {
	parsed, err := l.complete(ctx, buildTextSystemPrompt(), mustJSON(payload))
	if err != nil {
		return model.TextContent{}, err
	}
	question := stringField(parsed, "question", "probe", "prompt", "text")
	if question == "" {
		question = mustJSON(parsed)
	}
	return model.TextContent{QuestionType: "text", Question: question}, nil
}

// AnalyzeSession reviews a session's turn log for explanation gaps.
func (l *Local) AnalyzeSession(ctx context.Context, sessionID string, history []model.SessionTurn) (model.GapReport, error) {
	parsed, err := l.complete(ctx, buildLoggerSystemPrompt(), mustJSON(map[string]any{
		"session_id":      sessionID,
		"session_history": history,
	}))
	if err != nil {
		return model.GapReport{}, err
	}

	report := model.GapReport{Summary: stringField(parsed, "summary")}
	if items, ok := parsed["diagnosis"].([]any); ok {
		for _, item := range items {
			if b, err := json.Marshal(item); err == nil {
				report.Diagnosis = append(report.Diagnosis, b)
			}
		}
	}
	if report.Diagnosis == nil || report.Summary == "" {
		return FallbackGapReport(), nil
	}
	return report, nil
}

// Chat answers free text in the background, delivering the reply through
// the sink keyed by a generated execution id, so the polling contract
// matches the remote connector.
func (l *Local) Chat(ctx context.Context, sessionID, userInput string) (string, error) {
	executionID, err := newExecutionID()
	if err != nil {
		return "", err
	}
	go func() {
		reply := "I could not generate a reply. Please try again."
		parsed, err := l.complete(context.WithoutCancel(ctx),
			buildChatSystemPrompt(), userInput)
		if err != nil {
			slog.Warn("local chat failed", "error", err, "session_id", sessionID)
		} else if text := stringField(parsed, "text", "reply", "answer"); text != "" {
			reply = text
		}
		l.sink.ChatReady(executionID, reply)
	}()
	return executionID, nil
}

func newExecutionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func buildQuestionSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a SQL diagnostic examiner generating one base question.\n")
	sb.WriteString("The question must test the single concept you are given, ")
	sb.WriteString("use a small concrete scenario, and avoid every other SQL concept.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"question": "<the question>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildQuestionUserPrompt(req QuestionRequest) string {
	var sb strings.Builder
	sb.WriteString("CONCEPT: " + req.Concept + "\n")
	if req.PreviousTopic != nil {
		sb.WriteString("PREVIOUS TOPIC: " + *req.PreviousTopic + "\n")
	}
	if req.SeedText != "" {
		sb.WriteString("SOURCE MATERIAL:\n" + req.SeedText + "\n")
	}
	return sb.String()
}

func buildProbeSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a SQL examiner probing the depth of a learner's answer.\n")
	sb.WriteString("Given the question and the answer, ask ONE short follow-up that tests ")
	sb.WriteString("whether the learner truly understands, staying on the same concept.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"followup_question": "<the follow-up>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildProbeUserPrompt(req ProbeRequest) string {
	var sb strings.Builder
	sb.WriteString("CONCEPT: " + req.Concept + "\n\n")
	sb.WriteString("QUESTION: " + req.PreviousQuestion + "\n\n")
	sb.WriteString("ANSWER: " + req.UserAnswer + "\n")
	return sb.String()
}

func buildStabilizerSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are scoring the stability of a learner's understanding from a base ")
	sb.WriteString("answer and a probe answer.\n")
	sb.WriteString("confidence is your certainty the learner is correct, 0 to 1. ")
	sb.WriteString("gap_score is the estimated knowledge gap, 0 to 1.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"confidence": <0..1>, "gap_score": <0..1>, "understanding": "<summary>", "failure_point": "<weakest point or empty>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildStabilizerUserPrompt(req StabilityRequest) string {
	var sb strings.Builder
	sb.WriteString("CONCEPT: " + req.ConceptID + "\n\n")
	sb.WriteString("BASE QUESTION: " + req.BaseQuestion + "\n")
	sb.WriteString("BASE ANSWER: " + req.BaseAnswer + "\n\n")
	sb.WriteString("PROBE QUESTION: " + req.ProbeQuestion + "\n")
	sb.WriteString("PROBE ANSWER: " + req.ProbeAnswer + "\n")
	return sb.String()
}

func buildMCQSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are generating a multiple-choice SQL follow-up question from the ")
	sb.WriteString("given exam context.\n")
	sb.WriteString("Exactly four options labeled A, B, C, D; one correct.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"question": "<the question>", "options": {"A": "...", "B": "...", "C": "...", "D": "..."}}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildTextSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are generating an open-ended SQL follow-up question from the ")
	sb.WriteString("given exam context. It should make the learner reason aloud.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"question": "<the question>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildLoggerSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are reviewing a tutoring session history for explanation gaps: ")
	sb.WriteString("places where the learner's explanations were vague, circular, or wrong.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"diagnosis": [<one entry per gap>], "summary": "<overall summary>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildChatSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a helpful SQL tutor chatting with a learner.\n")
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"text": "<your reply>"}`)
	sb.WriteString("\n")
	return sb.String()
}
