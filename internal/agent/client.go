package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/sqlprobe/internal/model"
)

// Endpoints holds the workflow execution URLs for each agent role.
type Endpoints struct {
	Chat       string
	Question   string
	Probe      string
	Stabilizer string
	MCQ        string
	Text       string
	Logger     string
}

// Client calls the remote workflow agents over HTTP. Every call is a POST
// with a JSON body and a shared static apikey header, bounded by a
// per-call timeout.
type Client struct {
	http      *http.Client
	apiKey    string
	endpoints Endpoints
	timeout   time.Duration
}

// NewClient creates a workflow agent client. A zero timeout defaults to
// 30 seconds.
func NewClient(apiKey string, eps Endpoints, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:      &http.Client{},
		apiKey:    apiKey,
		endpoints: eps,
		timeout:   timeout,
	}
}

// post sends a JSON payload to a workflow URL and returns the raw response
// body.
func (c *Client) post(ctx context.Context, url string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal agent payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read agent response: %w", err)
	}
	return string(raw), nil
}

// RequestQuestion fires a question-generation request. The generated
// question arrives later on the question webhook.
func (c *Client) RequestQuestion(ctx context.Context, req QuestionRequest) error {
	_, err := c.post(ctx, c.endpoints.Question, req)
	return err
}

// GenerateProbe asks the probe agent for a follow-up question. An empty
// return with nil error means the agent omitted it; the caller substitutes
// its fallback.
func (c *Client) GenerateProbe(ctx context.Context, req ProbeRequest) (string, error) {
	raw, err := c.post(ctx, c.endpoints.Probe, req)
	if err != nil {
		return "", err
	}
	parsed := ExtractJSON(raw)
	if parsed == nil {
		return "", nil
	}
	return stringField(parsed, "followup_question"), nil
}

// RequestStability fires a stabilizer request. The verdict arrives later
// on the stabilizer webhook.
func (c *Client) RequestStability(ctx context.Context, req StabilityRequest) error {
	_, err := c.post(ctx, c.endpoints.Stabilizer, req)
	return err
}

// GenerateMCQ forwards the payload to the MCQ agent. A transport failure
// is returned as an error; a malformed response degrades to the canonical
// fallback so the caller always has four options to show.
func (c *Client) GenerateMCQ(ctx context.Context, payload map[string]any) (model.MCQContent, error) {
	raw, err := c.post(ctx, c.endpoints.MCQ, payload)
	if err != nil {
		return model.MCQContent{}, err
	}

	parsed := ExtractJSON(raw)
	if parsed == nil || parsed["question"] == nil {
		slog.Warn("mcq agent response malformed, using fallback")
		return FallbackMCQ(), nil
	}

	question, _ := parsed["question"].(string)
	options := parseOptions(parsed["options"])

	return model.MCQContent{
		QuestionType: "mcq",
		Question:     question,
		Options:      options,
	}, nil
}

func parseOptions(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok || len(raw) != 4 {
		return placeholderOptions()
	}
	options := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return placeholderOptions()
		}
		options[k] = s
	}
	return options
}

// GenerateText forwards the payload to the text agent. A transport failure
// is returned as an error; an unparsable response falls back to the raw
// body as the question text.
func (c *Client) GenerateText(ctx context.Context, payload map[string]any) (model.TextContent, error) {
	raw, err := c.post(ctx, c.endpoints.Text, payload)
	if err != nil {
		return model.TextContent{}, err
	}

	question := strings.TrimSpace(raw)
	if parsed := ExtractJSON(raw); parsed != nil {
		if q := stringField(parsed, "question", "probe", "prompt", "text"); q != "" {
			question = q
		}
	}

	return model.TextContent{QuestionType: "text", Question: question}, nil
}

// AnalyzeSession sends a session's turn log to the logger agent. A
// malformed response degrades to the fallback report.
func (c *Client) AnalyzeSession(ctx context.Context, sessionID string, history []model.SessionTurn) (model.GapReport, error) {
	payload := map[string]any{
		"session_id":      sessionID,
		"session_history": history,
	}
	raw, err := c.post(ctx, c.endpoints.Logger, payload)
	if err != nil {
		return model.GapReport{}, err
	}

	parsed := ExtractJSON(raw)
	if parsed == nil {
		slog.Warn("logger agent response malformed, using fallback", "session_id", sessionID)
		return FallbackGapReport(), nil
	}

	report := model.GapReport{Summary: stringField(parsed, "summary")}
	if items, ok := parsed["diagnosis"].([]any); ok {
		for _, item := range items {
			if b, err := json.Marshal(item); err == nil {
				report.Diagnosis = append(report.Diagnosis, b)
			}
		}
	}
	if report.Diagnosis == nil {
		report.Diagnosis = []json.RawMessage{}
	}
	return report, nil
}

// Chat forwards free text to the chat agent and returns the workflow
// execution id for later polling.
func (c *Client) Chat(ctx context.Context, sessionID, userInput string) (string, error) {
	payload := map[string]any{
		"session_id": sessionID,
		"user_input": userInput,
	}
	raw, err := c.post(ctx, c.endpoints.Chat, payload)
	if err != nil {
		return "", err
	}
	parsed := ExtractJSON(raw)
	if parsed == nil {
		return "", nil
	}
	return stringField(parsed, "executionID"), nil
}
