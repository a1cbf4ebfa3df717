package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pavelanni/sqlprobe/internal/model"
)

// fakeAgent spins up an HTTP server answering every POST with the given
// body, and records the last request for assertions.
func fakeAgent(t *testing.T, status int, body string) (*httptest.Server, *http.Request, *[]byte) {
	t.Helper()
	var lastReq http.Request
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r
		lastBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastReq, &lastBody
}

func TestGenerateProbe(t *testing.T) {
	srv, req, _ := fakeAgent(t, http.StatusOK, `{"followup_question": "Why does the NULL row survive?"}`)
	c := NewClient("k", Endpoints{Probe: srv.URL}, time.Second)

	q, err := c.GenerateProbe(context.Background(), ProbeRequest{
		Concept:          "joins",
		PreviousQuestion: "base q",
		UserAnswer:       "base a",
	})
	if err != nil {
		t.Fatalf("GenerateProbe: %v", err)
	}
	if q != "Why does the NULL row survive?" {
		t.Errorf("GenerateProbe = %q", q)
	}
	if got := req.Header.Get("apikey"); got != "k" {
		t.Errorf("apikey header = %q, want %q", got, "k")
	}
}

func TestGenerateProbeOmitted(t *testing.T) {
	srv, _, _ := fakeAgent(t, http.StatusOK, `{"something_else": true}`)
	c := NewClient("k", Endpoints{Probe: srv.URL}, time.Second)

	q, err := c.GenerateProbe(context.Background(), ProbeRequest{})
	if err != nil {
		t.Fatalf("GenerateProbe: %v", err)
	}
	if q != "" {
		t.Errorf("GenerateProbe = %q, want empty for omitted field", q)
	}
}

func TestGenerateMCQ(t *testing.T) {
	t.Run("well-formed", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK,
			`{"question": "Pick one", "options": {"A": "a", "B": "b", "C": "c", "D": "d"}}`)
		c := NewClient("k", Endpoints{MCQ: srv.URL}, time.Second)

		mcq, err := c.GenerateMCQ(context.Background(), map[string]any{"concept": "joins"})
		if err != nil {
			t.Fatalf("GenerateMCQ: %v", err)
		}
		if mcq.Question != "Pick one" || len(mcq.Options) != 4 || mcq.Options["B"] != "b" {
			t.Errorf("GenerateMCQ = %+v", mcq)
		}
		if mcq.QuestionType != "mcq" {
			t.Errorf("QuestionType = %q", mcq.QuestionType)
		}
	})

	t.Run("missing question falls back", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK, `{"options": {}}`)
		c := NewClient("k", Endpoints{MCQ: srv.URL}, time.Second)

		mcq, err := c.GenerateMCQ(context.Background(), nil)
		if err != nil {
			t.Fatalf("GenerateMCQ: %v", err)
		}
		want := FallbackMCQ()
		if mcq.Question != want.Question || mcq.Options["A"] != want.Options["A"] {
			t.Errorf("GenerateMCQ = %+v, want canonical fallback", mcq)
		}
	})

	t.Run("wrong option count gets placeholders", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK,
			`{"question": "Pick one", "options": {"A": "a", "B": "b"}}`)
		c := NewClient("k", Endpoints{MCQ: srv.URL}, time.Second)

		mcq, err := c.GenerateMCQ(context.Background(), nil)
		if err != nil {
			t.Fatalf("GenerateMCQ: %v", err)
		}
		if mcq.Question != "Pick one" {
			t.Errorf("question = %q", mcq.Question)
		}
		if mcq.Options["A"] != "Option A" || len(mcq.Options) != 4 {
			t.Errorf("options = %v, want placeholders", mcq.Options)
		}
	})

	t.Run("network error propagates", func(t *testing.T) {
		c := NewClient("k", Endpoints{MCQ: "http://127.0.0.1:0"}, time.Second)
		if _, err := c.GenerateMCQ(context.Background(), nil); err == nil {
			t.Fatal("GenerateMCQ: expected error on unreachable agent")
		}
	})
}

func TestGenerateText(t *testing.T) {
	t.Run("question key", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK, `{"question": "Explain it"}`)
		c := NewClient("k", Endpoints{Text: srv.URL}, time.Second)

		tc, err := c.GenerateText(context.Background(), nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if tc.Question != "Explain it" || tc.QuestionType != "text" {
			t.Errorf("GenerateText = %+v", tc)
		}
	})

	t.Run("alternate keys", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK, `{"prompt": "Walk me through it"}`)
		c := NewClient("k", Endpoints{Text: srv.URL}, time.Second)

		tc, err := c.GenerateText(context.Background(), nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if tc.Question != "Walk me through it" {
			t.Errorf("GenerateText = %+v", tc)
		}
	})

	t.Run("unparsable body passes through raw", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK, "  a plain text reply  ")
		c := NewClient("k", Endpoints{Text: srv.URL}, time.Second)

		tc, err := c.GenerateText(context.Background(), nil)
		if err != nil {
			t.Fatalf("GenerateText: %v", err)
		}
		if tc.Question != "a plain text reply" {
			t.Errorf("GenerateText = %q, want trimmed raw body", tc.Question)
		}
	})
}

func TestAnalyzeSession(t *testing.T) {
	t.Run("well-formed", func(t *testing.T) {
		srv, _, body := fakeAgent(t, http.StatusOK,
			`{"diagnosis": [{"issue": "vague"}], "summary": "one gap"}`)
		c := NewClient("k", Endpoints{Logger: srv.URL}, time.Second)

		report, err := c.AnalyzeSession(context.Background(), "s1", []model.SessionTurn{
			{Turn: 1, Payload: json.RawMessage(`{"a":1}`)},
		})
		if err != nil {
			t.Fatalf("AnalyzeSession: %v", err)
		}
		if report.Summary != "one gap" || len(report.Diagnosis) != 1 {
			t.Errorf("AnalyzeSession = %+v", report)
		}

		var sent map[string]any
		if err := json.Unmarshal(*body, &sent); err != nil {
			t.Fatalf("unmarshal sent payload: %v", err)
		}
		if sent["session_id"] != "s1" {
			t.Errorf("sent session_id = %v", sent["session_id"])
		}
	})

	t.Run("malformed falls back", func(t *testing.T) {
		srv, _, _ := fakeAgent(t, http.StatusOK, "not json at all")
		c := NewClient("k", Endpoints{Logger: srv.URL}, time.Second)

		report, err := c.AnalyzeSession(context.Background(), "s1", nil)
		if err != nil {
			t.Fatalf("AnalyzeSession: %v", err)
		}
		want := FallbackGapReport()
		if report.Summary != want.Summary || len(report.Diagnosis) != 0 {
			t.Errorf("AnalyzeSession = %+v, want fallback", report)
		}
	})
}

func TestChat(t *testing.T) {
	srv, _, _ := fakeAgent(t, http.StatusOK, `{"executionID": "exec-42"}`)
	c := NewClient("k", Endpoints{Chat: srv.URL}, time.Second)

	id, err := c.Chat(context.Background(), "anonymous", "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if id != "exec-42" {
		t.Errorf("Chat execution id = %q", id)
	}
}
