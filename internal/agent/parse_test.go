package agent

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantNil bool
		wantKey string
		wantVal string
	}{
		{"plain object", `{"question": "What is a JOIN?"}`, false, "question", "What is a JOIN?"},
		{"surrounding noise", `workflow output follows: {"question": "Q1"} -- done`, false, "question", "Q1"},
		{"escaped object", `"{\"question\": \"Q2\"}"`, false, "question", "Q2"},
		{"empty", "", true, "", ""},
		{"no braces", "just text", true, "", ""},
		{"unbalanced", "}{", true, "", ""},
		{"garbage braces", "{not json}", true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.raw)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("ExtractJSON(%q) = %v, want nil", tt.raw, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ExtractJSON(%q) = nil, want object", tt.raw)
			}
			if v, _ := got[tt.wantKey].(string); v != tt.wantVal {
				t.Errorf("ExtractJSON(%q)[%q] = %q, want %q", tt.raw, tt.wantKey, v, tt.wantVal)
			}
		})
	}
}

func TestStringField(t *testing.T) {
	m := map[string]any{
		"empty":  "  ",
		"number": 42,
		"probe":  "the probe",
		"text":   "the text",
	}

	if got := stringField(m, "question", "probe", "text"); got != "the probe" {
		t.Errorf("stringField first-match = %q, want %q", got, "the probe")
	}
	if got := stringField(m, "empty", "number"); got != "" {
		t.Errorf("stringField on empty/non-string = %q, want empty", got)
	}
}
