package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/concept"
	"github.com/pavelanni/sqlprobe/internal/exam"
	"github.com/pavelanni/sqlprobe/internal/model"
	"github.com/pavelanni/sqlprobe/internal/store"
)

// stubAgent records requests and returns canned content.
type stubAgent struct {
	mu           sync.Mutex
	questionReqs []agent.QuestionRequest
	textPayloads []map[string]any

	probeQuestion string
	mcq           model.MCQContent
	mcqErr        error
	text          model.TextContent
	textErr       error
	report        model.GapReport
	analyzeErr    error
	executionID   string
	chatErr       error
}

func (a *stubAgent) RequestQuestion(_ context.Context, req agent.QuestionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questionReqs = append(a.questionReqs, req)
	return nil
}

func (a *stubAgent) GenerateProbe(context.Context, agent.ProbeRequest) (string, error) {
	return a.probeQuestion, nil
}

func (a *stubAgent) RequestStability(context.Context, agent.StabilityRequest) error {
	return nil
}

func (a *stubAgent) GenerateMCQ(context.Context, map[string]any) (model.MCQContent, error) {
	return a.mcq, a.mcqErr
}

func (a *stubAgent) GenerateText(_ context.Context, payload map[string]any) (model.TextContent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.textPayloads = append(a.textPayloads, payload)
	return a.text, a.textErr
}

func (a *stubAgent) AnalyzeSession(context.Context, string, []model.SessionTurn) (model.GapReport, error) {
	return a.report, a.analyzeErr
}

func (a *stubAgent) Chat(context.Context, string, string) (string, error) {
	return a.executionID, a.chatErr
}

type testServer struct {
	router chi.Router
	agents *stubAgent
	store  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	agents := &stubAgent{
		probeQuestion: "Why does that row survive the join?",
		executionID:   "exec-1",
	}
	manager := exam.NewManager(agents, st)
	h := New(manager, agents, st)

	router := chi.NewRouter()
	h.Routes(router)
	return &testServer{router: router, agents: agents, store: st}
}

// do runs one request and decodes the JSON response into out (when non-nil).
func (ts *testServer) do(t *testing.T, method, target, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec
}

func TestChatIntentStartsExam(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/chat", `{"user_input": "quiz me on joins", "session_id": "s1"}`, &resp)

	if resp["mode"] != "exam_start" {
		t.Fatalf("mode = %v, want exam_start", resp["mode"])
	}
	if len(ts.agents.questionReqs) != 1 {
		t.Fatalf("expected 1 question request, got %d", len(ts.agents.questionReqs))
	}
	req := ts.agents.questionReqs[0]
	if req.Concept != "joins" || req.SessionID != "s1" {
		t.Errorf("question request = %+v", req)
	}
}

func TestChatForwardsToAgent(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/chat", `{"user_input": "what is a view?"}`, &resp)

	if resp["mode"] != "chat" || resp["execution_id"] != "exec-1" {
		t.Fatalf("resp = %v", resp)
	}
	if len(ts.agents.questionReqs) != 0 {
		t.Error("plain chat must not start an exam")
	}
}

func TestChatEmptyInputIgnored(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/chat", `{"user_input": "   "}`, &resp)
	if resp["status"] != "empty" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestChatAgentFailureDegrades(t *testing.T) {
	ts := newTestServer(t)
	ts.agents.chatErr = errors.New("connect refused")

	var resp map[string]any
	rec := ts.do(t, http.MethodPost, "/chat", `{"user_input": "hello there"}`, &resp)
	if rec.Code != http.StatusOK || resp["status"] != "unavailable" {
		t.Fatalf("code = %d, resp = %v", rec.Code, resp)
	}
}

func TestChatResultRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/chat/result/exec-9", "", &resp)
	if resp["status"] != "pending" {
		t.Fatalf("before webhook: %v", resp)
	}

	ts.do(t, http.MethodPost, "/chat/webhook", `{"executionID": "exec-9", "text": "a view is a stored query"}`, nil)

	ts.do(t, http.MethodGet, "/chat/result/exec-9", "", &resp)
	if resp["status"] != "complete" || resp["text"] != "a view is a stored query" {
		t.Fatalf("after webhook: %v", resp)
	}

	// The read consumed the reply.
	ts.do(t, http.MethodGet, "/chat/result/exec-9", "", &resp)
	if resp["status"] != "pending" {
		t.Fatalf("after take: %v", resp)
	}
}

func TestChatWebhookEscapedPayload(t *testing.T) {
	ts := newTestServer(t)

	// Workflow engines sometimes double-encode the callback body.
	ts.do(t, http.MethodPost, "/chat/webhook", `"{\"executionID\": \"exec-2\", \"text\": \"escaped reply\"}"`, nil)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/chat/result/exec-2", "", &resp)
	if resp["text"] != "escaped reply" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestQuestionWebhookThenGet(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/chat", `{"user_input": "quiz me on joins", "session_id": "s1"}`, nil)
	ts.do(t, http.MethodPost, "/question", `{"session_id": "s1", "question": "What does an INNER JOIN return?"}`, nil)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/question?session_id=s1", "", &resp)
	if resp["type"] != "base" || resp["question"] != "What does an INNER JOIN return?" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestQuestionWebhookGatesOffConcept(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/chat", `{"user_input": "quiz me on joins"}`, nil)
	ts.do(t, http.MethodPost, "/question", `{"question": "What aspect of indexes is slow?"}`, nil)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/question", "", &resp)
	if resp["question"] != concept.FallbackQuestion {
		t.Fatalf("question = %v, want gate fallback", resp["question"])
	}
}

func TestAnswerEmptyIgnored(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/answer", `{"answer": ""}`, &resp)
	if resp["status"] != "empty answer ignored" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestAnswerOutOfPhase(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/answer", `{"answer": "it keeps all rows"}`, &resp)
	if resp["status"] != "answer ignored" || resp["phase"] != "idle" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestAnswerAdvancesToProbe(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/chat", `{"user_input": "quiz me on joins", "session_id": "s1"}`, nil)
	ts.do(t, http.MethodPost, "/question", `{"session_id": "s1", "question": "What does a LEFT JOIN keep?"}`, nil)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/answer", `{"session_id": "s1", "answer": "all left rows"}`, &resp)
	if resp["status"] != "Base answer received" {
		t.Fatalf("resp = %v", resp)
	}

	ts.do(t, http.MethodGet, "/question?session_id=s1", "", &resp)
	if resp["type"] != "probe" || resp["question"] != "Why does that row survive the join?" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestStabilizerDefaultsAndReprobe(t *testing.T) {
	ts := newTestServer(t)

	// A bare verdict defaults to confidence 0.5 and gap 0.5, which is below
	// the re-probe threshold: the session loops back to a probe.
	ts.do(t, http.MethodPost, "/stabilizer", `{"session_id": "s1", "understanding": "shaky"}`, nil)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/result?session_id=s1", "", &resp)
	if resp["confidence"] != 0.5 || resp["gap_score"] != 0.5 {
		t.Fatalf("resp = %v", resp)
	}

	ts.do(t, http.MethodGet, "/question?session_id=s1", "", &resp)
	if resp["type"] != "probe" || resp["question"] != "Explain this again with a simple analogy." {
		t.Fatalf("resp = %v", resp)
	}
}

func TestResultBeforeVerdict(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/result", "", &resp)
	if resp["status"] != "no result yet" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/status?session_id=s1", "", &resp)
	if resp["phase"] != "idle" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestHeuristicDecide(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantMode   string
		wantReason string
	}{
		{
			name:       "early session",
			body:       `{"gap_score": 0.1, "confidence_score": 0.9, "turns_so_far": 0}`,
			wantMode:   "mcq",
			wantReason: exam.ReasonEarlySession,
		},
		{
			name:       "low gap high confidence",
			body:       `{"gap_score": 0.1, "confidence_score": 0.9, "turns_so_far": 5}`,
			wantMode:   "text",
			wantReason: exam.ReasonLowGap,
		},
		{
			name:       "non-numeric gap",
			body:       `{"gap_score": "high", "confidence_score": 0.5, "turns_so_far": 3}`,
			wantMode:   "mcq",
			wantReason: "Invalid heuristic inputs: gap_score is not numeric",
		},
		{
			name:       "not an object",
			body:       `[1, 2]`,
			wantMode:   "mcq",
			wantReason: "Invalid heuristic inputs: body is not a JSON object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]any
			ts.do(t, http.MethodPost, "/heuristic/decide", tt.body, &resp)
			if resp["mode"] != tt.wantMode || resp["reason"] != tt.wantReason {
				t.Errorf("resp = %v, want mode %q reason %q", resp, tt.wantMode, tt.wantReason)
			}
		})
	}
}

func TestGenerateMCQBadGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.agents.mcqErr = errors.New("connect refused")

	rec := ts.do(t, http.MethodPost, "/generate/mcq", `{"concept": "joins"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
}

func TestGenerateTextWrapsStringBody(t *testing.T) {
	ts := newTestServer(t)
	ts.agents.text = model.TextContent{QuestionType: "text", Question: "Walk me through it."}

	var resp map[string]any
	ts.do(t, http.MethodPost, "/generate/text", `"Explain LEFT JOIN"`, &resp)
	if resp["question"] != "Walk me through it." {
		t.Fatalf("resp = %v", resp)
	}

	if len(ts.agents.textPayloads) != 1 {
		t.Fatalf("expected 1 text payload, got %d", len(ts.agents.textPayloads))
	}
	payload := ts.agents.textPayloads[0]
	if payload["base_question"] != "Explain LEFT JOIN" || payload["gap_score"] != 0.5 {
		t.Errorf("payload = %v", payload)
	}
}

func TestGenerateTextEmptyBodyRejected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/generate/text", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestSessionStoreValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		wantOK bool
	}{
		{"valid", `{"session_id": "s1", "turn": 1, "payload": {"role": "student"}}`, true},
		{"missing session id", `{"turn": 1, "payload": {}}`, false},
		{"fractional turn", `{"session_id": "s1", "turn": 1.5, "payload": {}}`, false},
		{"payload not an object", `{"session_id": "s1", "turn": 1, "payload": "hi"}`, false},
		{"not an object", `plain text`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]any
			ts.do(t, http.MethodPost, "/session/store", tt.body, &resp)
			if resp["ok"] != tt.wantOK {
				t.Errorf("ok = %v, want %v", resp["ok"], tt.wantOK)
			}
		})
	}

	turns, err := ts.store.Turns("s1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 stored turn, got %d", len(turns))
	}
}

func TestLoggerAnalyzeAndResult(t *testing.T) {
	ts := newTestServer(t)
	ts.agents.report = model.GapReport{
		Diagnosis: []json.RawMessage{json.RawMessage(`{"issue": "circular reasoning"}`)},
		Summary:   "one gap found",
	}

	var resp map[string]any
	ts.do(t, http.MethodGet, "/logger/result/s1", "", &resp)
	if resp["status"] != "no report yet" {
		t.Fatalf("before analyze: %v", resp)
	}

	ts.do(t, http.MethodPost, "/logger/analyze", `{"session_id": "s1"}`, &resp)
	if resp["ok"] != true || resp["issues_found"] != float64(1) {
		t.Fatalf("analyze resp = %v", resp)
	}

	var report model.GapReport
	ts.do(t, http.MethodGet, "/logger/result/s1", "", &report)
	if report.Summary != "one gap found" || len(report.Diagnosis) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestLoggerAnalyzeMissingSessionID(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/logger/analyze", `{}`, &resp)
	if resp["ok"] != false {
		t.Fatalf("resp = %v", resp)
	}
}

func TestLoggerAnalyzeFallbackOnAgentError(t *testing.T) {
	ts := newTestServer(t)
	ts.agents.analyzeErr = errors.New("connect refused")

	var resp map[string]any
	ts.do(t, http.MethodPost, "/logger/analyze", `{"session_id": "s1"}`, &resp)
	if resp["ok"] != true || resp["issues_found"] != float64(0) {
		t.Fatalf("resp = %v", resp)
	}

	var report model.GapReport
	ts.do(t, http.MethodGet, "/logger/result/s1", "", &report)
	if report.Summary != "Unable to identify explanation gaps from session history." {
		t.Fatalf("summary = %q", report.Summary)
	}
}

func TestSessionProbes(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/session/store", `{"session_id": "s1", "turn": 1, "payload": {"role": "student", "text": "hi"}}`, nil)
	ts.do(t, http.MethodPost, "/session/store", `{"session_id": "s1", "turn": 2, "payload": {"role": "probe", "text": "why?"}}`, nil)

	var resp struct {
		SessionID string             `json:"session_id"`
		Probes    []model.SessionTurn `json:"probes"`
	}
	ts.do(t, http.MethodGet, "/session/probes/s1", "", &resp)
	if len(resp.Probes) != 1 || resp.Probes[0].Turn != 2 {
		t.Fatalf("probes = %+v", resp.Probes)
	}

	var last model.SessionTurn
	ts.do(t, http.MethodGet, "/probe?session_id=s1", "", &last)
	if last.Turn != 2 {
		t.Fatalf("last probe = %+v", last)
	}
}

func TestGetProbeEmpty(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodGet, "/probe?session_id=s1", "", &resp)
	if resp["status"] != "no probe yet" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestMediaExtractStartsExam(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/media/extract", `{"session_id": "s1", "text": "Please test me on indexes. B-tree lookups stay logarithmic."}`, nil)

	if len(ts.agents.questionReqs) != 1 {
		t.Fatalf("expected 1 question request, got %d", len(ts.agents.questionReqs))
	}
	req := ts.agents.questionReqs[0]
	if req.Concept != "indexes" || !strings.Contains(req.SeedText, "B-tree") {
		t.Errorf("question request = %+v", req)
	}
}

func TestMediaExtractJoinsListFragments(t *testing.T) {
	ts := newTestServer(t)

	// Extractors may deliver the text as a list of fragments.
	ts.do(t, http.MethodPost, "/media/extract", `{"session_id": "s1", "text": ["Please test me on indexes.", "B-tree lookups stay logarithmic."]}`, nil)

	if len(ts.agents.questionReqs) != 1 {
		t.Fatalf("expected 1 question request, got %d", len(ts.agents.questionReqs))
	}
	req := ts.agents.questionReqs[0]
	if req.Concept != "indexes" {
		t.Errorf("concept = %q, want indexes", req.Concept)
	}
	if !strings.Contains(req.SeedText, "test me on indexes.\nB-tree") {
		t.Errorf("seed text = %q, want newline-joined fragments", req.SeedText)
	}
}

func TestMediaExtractWithoutIntent(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/media/extract", `{"text": "Chapter 3: storage engines."}`, &resp)
	if resp["mode"] != "media" || resp["raw_text"] != "Chapter 3: storage engines." {
		t.Fatalf("resp = %v", resp)
	}
	if len(ts.agents.questionReqs) != 0 {
		t.Error("extract without intent must not start an exam")
	}
}

func TestExamNextFromIdle(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]any
	ts.do(t, http.MethodPost, "/exam/next", `{"session_id": "s1"}`, &resp)
	if resp["status"] != "generating_question" {
		t.Fatalf("resp = %v", resp)
	}
	if len(ts.agents.questionReqs) != 1 {
		t.Fatalf("expected a question request, got %d", len(ts.agents.questionReqs))
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	handler := CORS(ts.router)
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
