package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/openai/openai-go"
)

// Classifier turns a group message into a validated Verdict.
type Classifier interface {
	Classify(ctx context.Context, text, groupContext string, ts time.Time) (models.Verdict, error)
}

var _ Classifier = (*Client)(nil)

const classifierSystemPrompt = `You triage messages from school and parent WhatsApp groups for a busy parent.
Messages may be in any language; answer in the language of the message.
Reply with a single JSON object and nothing else:
{"category": one of "event","schedule_change","homework","payment","announcement","social","other",
 "urgency": integer 0-10,
 "action_required": boolean,
 "summary": one sentence, at most 200 characters,
 "child_relevant": boolean,
 "send_immediate_alert": boolean}
Use urgency 7 or above only for items that need attention today or tomorrow.`

// rawVerdict accepts numbers where the model sometimes emits floats.
type rawVerdict struct {
	Category           string  `json:"category"`
	Urgency            float64 `json:"urgency"`
	ActionRequired     bool    `json:"action_required"`
	Summary            string  `json:"summary"`
	ChildRelevant      bool    `json:"child_relevant"`
	SendImmediateAlert bool    `json:"send_immediate_alert"`
}

// Classify asks the model for a verdict. Transport failures and malformed or
// out-of-contract output are both returned as errors.
func (c *Client) Classify(ctx context.Context, text, groupContext string, ts time.Time) (models.Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return models.Verdict{}, fmt.Errorf("%w: empty message text", models.ErrInvalidVerdict)
	}
	user := fmt.Sprintf("Group: %s\nSent at: %s\nMessage:\n%s", groupContext, ts.UTC().Format(time.RFC3339), text)
	start := time.Now()
	content, err := c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(classifierSystemPrompt),
		openai.UserMessage(user),
	}, true)
	if err != nil {
		slog.Warn("genai.Classify: completion failed", "error", err, "elapsed", time.Since(start))
		return models.Verdict{}, err
	}
	v, err := ParseVerdict(content)
	if err != nil {
		slog.Warn("genai.Classify: invalid verdict", "error", err, "raw_length", len(content))
		return models.Verdict{}, err
	}
	slog.Debug("genai.Classify: classified", "category", v.Category, "urgency", v.Urgency, "elapsed", time.Since(start))
	return v, nil
}

// ParseVerdict decodes and validates model output, tolerating a Markdown code
// fence. Summaries longer than models.MaxSummaryLength are cut, not rejected.
func ParseVerdict(content string) (models.Verdict, error) {
	body := stripCodeFence(content)
	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %v", models.ErrInvalidVerdict, err)
	}
	category, err := models.ParseCategory(raw.Category)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %v", models.ErrInvalidVerdict, err)
	}
	if raw.Urgency != math.Trunc(raw.Urgency) {
		return models.Verdict{}, fmt.Errorf("%w: non-integer urgency %v", models.ErrInvalidVerdict, raw.Urgency)
	}
	v := models.Verdict{
		Category:           category,
		Urgency:            int(raw.Urgency),
		ActionRequired:     raw.ActionRequired,
		Summary:            models.TruncateSummary(strings.TrimSpace(raw.Summary)),
		ChildRelevant:      raw.ChildRelevant,
		SendImmediateAlert: raw.SendImmediateAlert,
	}
	if err := v.Validate(); err != nil {
		return models.Verdict{}, err
	}
	return v, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
