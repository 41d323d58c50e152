package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func newTestClient(chat chatService) *Client {
	return &Client{chat: chat, model: "test-model", temperature: 0.1, maxCompletionTokens: 100, timeout: time.Second}
}

func TestClassify_Success(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"category":"event","urgency":9,"action_required":true,"summary":"Field trip tomorrow 08:00, bring lunch","child_relevant":true,"send_immediate_alert":true}`)}
	client := newTestClient(mock)

	v, err := client.Classify(context.Background(), "מחר טיול שנתי, להביא אוכל", "כיתה ג׳2", time.Now())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v.Category != models.CategoryEvent || v.Urgency != 9 || !v.WantsImmediateAlert() {
		t.Errorf("unexpected verdict: %+v", v)
	}
	if mock.params.Model != "test-model" || len(mock.params.Messages) != 2 {
		t.Errorf("unexpected request: model=%v messages=%d", mock.params.Model, len(mock.params.Messages))
	}
}

func TestClassify_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.Classify(context.Background(), "hi", "g", time.Now())
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestClassify_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.Classify(context.Background(), "hi", "g", time.Now())
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestClassify_EmptyText(t *testing.T) {
	client := newTestClient(&mockChatService{})
	if _, err := client.Classify(context.Background(), "  ", "g", time.Now()); !errors.Is(err, models.ErrInvalidVerdict) {
		t.Errorf("expected ErrInvalidVerdict, got %v", err)
	}
}

// hebrewSummary is 164 characters and 298 bytes.
var hebrewSummary = strings.Repeat("מחר אין לימודים ", 10) + "ביום"

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		want    models.Verdict
	}{
		{
			name:    "plain json",
			content: `{"category":"Homework","urgency":3,"action_required":true,"summary":"Math page 12"}`,
			want:    models.Verdict{Category: models.CategoryHomework, Urgency: 3, ActionRequired: true, Summary: "Math page 12"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"category\":\"social\",\"urgency\":0,\"summary\":\"Birthday wishes\"}\n```",
			want:    models.Verdict{Category: models.CategorySocial, Summary: "Birthday wishes"},
		},
		{name: "not json", content: "Not JSON", wantErr: true},
		{name: "unknown category", content: `{"category":"gossip","urgency":1,"summary":"x"}`, wantErr: true},
		{name: "urgency out of range", content: `{"category":"other","urgency":11,"summary":"x"}`, wantErr: true},
		{name: "fractional urgency", content: `{"category":"other","urgency":6.5,"summary":"x"}`, wantErr: true},
		{name: "empty summary", content: `{"category":"other","urgency":1,"summary":" "}`, wantErr: true},
		{
			name:    "hebrew summary within limit",
			content: `{"category":"schedule_change","urgency":8,"summary":"` + hebrewSummary + `","send_immediate_alert":true}`,
			want:    models.Verdict{Category: models.CategoryScheduleChange, Urgency: 8, Summary: hebrewSummary, SendImmediateAlert: true},
		},
		{
			name:    "long summary is cut",
			content: `{"category":"other","urgency":1,"summary":"` + strings.Repeat("a", models.MaxSummaryLength+20) + `"}`,
			want:    models.Verdict{Category: models.CategoryOther, Urgency: 1, Summary: strings.Repeat("a", models.MaxSummaryLength-1) + "…"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.content)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidVerdict) {
					t.Fatalf("expected ErrInvalidVerdict, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.timeout != 5*time.Second {
		t.Errorf("options not applied: model=%s timeout=%v", cli.model, cli.timeout)
	}
}
