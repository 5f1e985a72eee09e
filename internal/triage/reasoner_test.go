package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns preconfigured responses in sequence and records requests.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []*LLMRequest
	callIdx   int
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &LLMResponse{
		Text:       "fallback",
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		Model:      claudeTestModel,
	}, nil
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{
		Text:       text,
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 100, OutputTokens: 20},
		Model:      claudeTestModel,
	}
}

func newTestReasoner(t *testing.T, p Provider) *LLMReasoner {
	t.Helper()
	r, err := NewLLMReasoner(p, DefaultConfig())
	if err != nil {
		t.Fatalf("NewLLMReasoner: %v", err)
	}
	return r
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"YES", true, false},
		{"yes.", true, false},
		{"  \"Yes\" - the article covers it", true, false},
		{"NO", false, false},
		{"no, it does not", false, false},
		{"**NO**", false, false},
		{"Maybe", false, true},
		{"", false, true},
		{"The answer is yes", false, true},
	}

	for _, tt := range tests {
		got, err := parseVerdict(tt.in)
		if tt.wantErr {
			if !errors.Is(err, errMalformedVerdict) {
				t.Errorf("parseVerdict(%q) err = %v, want errMalformedVerdict", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseVerdict(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseVerdict(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFirstSentence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"User wants a refund. They bought it last week.", "User wants a refund."},
		{"User's order #1.5 never arrived! Please help.", "User's order #1.5 never arrived!"},
		{"  Spread\nover   lines  ", "Spread over lines"},
		{"No terminator here", "No terminator here"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FirstSentence(tt.in); got != tt.want {
			t.Errorf("FirstSentence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatHistory(t *testing.T) {
	t.Parallel()

	if got := FormatHistory(nil); got != "No conversation history yet." {
		t.Errorf("empty history = %q", got)
	}

	got := FormatHistory([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "where is my order"},
	})
	want := "User: hi\nAssistant: hello\nUser: where is my order"
	if got != want {
		t.Errorf("FormatHistory = %q, want %q", got, want)
	}
}

func TestLLMReasoner_ValidateRelevance(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse("YES"), textResponse("no")}}
	r := newTestReasoner(t, p)

	ok, err := r.ValidateRelevance(context.Background(), "return policy?", "30 days")
	if err != nil || !ok {
		t.Fatalf("first verdict = %v, %v; want true, nil", ok, err)
	}
	ok, err = r.ValidateRelevance(context.Background(), "return policy?", "30 days")
	if err != nil || ok {
		t.Fatalf("second verdict = %v, %v; want false, nil", ok, err)
	}

	req := p.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}
	prompt := req.Messages[0].Content
	if !strings.Contains(prompt, "return policy?") || !strings.Contains(prompt, "30 days") {
		t.Errorf("validation prompt missing question or context: %q", prompt)
	}
}

func TestLLMReasoner_ValidateRelevance_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	p := &mockProvider{
		errs:      []error{boom},
		responses: []*LLMResponse{nil, textResponse("I think so")},
	}
	r := newTestReasoner(t, p)

	if _, err := r.ValidateRelevance(context.Background(), "q", "a"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if _, err := r.ValidateRelevance(context.Background(), "q", "a"); !errors.Is(err, errMalformedVerdict) {
		t.Errorf("err = %v, want errMalformedVerdict", err)
	}
}

func TestLLMReasoner_GenerateAnswer(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse("  You have 30 days.  ")}}
	r := newTestReasoner(t, p)

	got, err := r.GenerateAnswer(context.Background(), AnswerRequest{
		Persona: "be nice",
		History: []Message{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "Hello! How can I help you today?"},
		},
		Context:  "Returns accepted within 30 days.",
		Question: "how long do I have to return?",
	})
	if err != nil {
		t.Fatalf("GenerateAnswer: %v", err)
	}
	if got != "You have 30 days." {
		t.Errorf("answer = %q", got)
	}

	req := p.requests[0]
	if req.System != "be nice" {
		t.Errorf("system = %q, want persona", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[1].Role != RoleAssistant {
		t.Errorf("messages[1].role = %q, want assistant", req.Messages[1].Role)
	}
	last := req.Messages[2]
	if last.Role != RoleUser {
		t.Errorf("last role = %q, want user", last.Role)
	}
	if !strings.Contains(last.Content, "Returns accepted within 30 days.") || !strings.Contains(last.Content, "how long do I have to return?") {
		t.Errorf("answer prompt missing context or question: %q", last.Content)
	}
	if req.MaxTokens != DefaultMaxTokens {
		t.Errorf("max tokens = %d, want %d", req.MaxTokens, DefaultMaxTokens)
	}
}

func TestLLMReasoner_EmptyCompletion(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse("   ")}}
	r := newTestReasoner(t, p)

	if _, err := r.GenerateAnswer(context.Background(), AnswerRequest{Question: "q"}); !errors.Is(err, errEmptyCompletion) {
		t.Errorf("err = %v, want errEmptyCompletion", err)
	}
}

func TestLLMReasoner_Summarize(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse("The user never received order 1234. They are upset.")}}
	r := newTestReasoner(t, p)

	got, err := r.Summarize(context.Background(), []Message{
		{Role: RoleUser, Content: "my order 1234 never came"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "The user never received order 1234." {
		t.Errorf("summary = %q", got)
	}
	if !strings.Contains(p.requests[0].Messages[0].Content, "User: my order 1234 never came") {
		t.Errorf("summary prompt missing history: %q", p.requests[0].Messages[0].Content)
	}
}

func TestNewLLMReasoner_BadTemplate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Prompts.Answer = "{{.Question"
	if _, err := NewLLMReasoner(&mockProvider{}, cfg); err == nil {
		t.Fatal("expected template parse error")
	}
}

func TestOfflineReasoner(t *testing.T) {
	t.Parallel()

	var r OfflineReasoner
	ctx := context.Background()
	if _, err := r.ValidateRelevance(ctx, "q", "a"); !errors.Is(err, ErrReasonerOffline) {
		t.Errorf("ValidateRelevance err = %v", err)
	}
	if _, err := r.GenerateAnswer(ctx, AnswerRequest{}); !errors.Is(err, ErrReasonerOffline) {
		t.Errorf("GenerateAnswer err = %v", err)
	}
	if _, err := r.Summarize(ctx, nil); !errors.Is(err, ErrReasonerOffline) {
		t.Errorf("Summarize err = %v", err)
	}
}
