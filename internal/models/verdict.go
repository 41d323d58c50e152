package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Category is the classifier's label for a group message.
type Category string

const (
	CategoryEvent          Category = "event"
	CategoryScheduleChange Category = "schedule_change"
	CategoryHomework       Category = "homework"
	CategoryPayment        Category = "payment"
	CategoryAnnouncement   Category = "announcement"
	CategorySocial         Category = "social"
	CategoryOther          Category = "other"
)

// Urgency bounds and the threshold at which an alert may be sent immediately.
const (
	MinUrgency            = 0
	MaxUrgency            = 10
	HighPriorityThreshold = 7
	// MaxSummaryLength is counted in characters, not bytes.
	MaxSummaryLength = 280
)

var (
	ErrInvalidVerdict  = errors.New("invalid verdict")
	ErrUnknownCategory = errors.New("unknown category")
)

// IsValidCategory checks if the given category is supported.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryEvent, CategoryScheduleChange, CategoryHomework, CategoryPayment,
		CategoryAnnouncement, CategorySocial, CategoryOther:
		return true
	default:
		return false
	}
}

// ParseCategory normalises a raw category string.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !IsValidCategory(c) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
	return c, nil
}

// Verdict is the structured result of classifying one message.
type Verdict struct {
	Category           Category `json:"category"`
	Urgency            int      `json:"urgency"`
	ActionRequired     bool     `json:"action_required"`
	Summary            string   `json:"summary"`
	ChildRelevant      bool     `json:"child_relevant"`
	SendImmediateAlert bool     `json:"send_immediate_alert"`
}

// Validate checks the verdict against the classifier contract.
func (v Verdict) Validate() error {
	if !IsValidCategory(v.Category) {
		return fmt.Errorf("%w: category %q", ErrInvalidVerdict, v.Category)
	}
	if v.Urgency < MinUrgency || v.Urgency > MaxUrgency {
		return fmt.Errorf("%w: urgency %d out of range", ErrInvalidVerdict, v.Urgency)
	}
	if strings.TrimSpace(v.Summary) == "" {
		return fmt.Errorf("%w: empty summary", ErrInvalidVerdict)
	}
	if utf8.RuneCountInString(v.Summary) > MaxSummaryLength {
		return fmt.Errorf("%w: summary exceeds %d characters", ErrInvalidVerdict, MaxSummaryLength)
	}
	return nil
}

// WantsImmediateAlert reports whether the verdict triggers an immediate alert.
func (v Verdict) WantsImmediateAlert() bool {
	return v.Urgency >= HighPriorityThreshold && v.SendImmediateAlert
}

// TruncateSummary shortens s to at most MaxSummaryLength characters, ending
// with an ellipsis when it had to cut.
func TruncateSummary(s string) string {
	if utf8.RuneCountInString(s) <= MaxSummaryLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxSummaryLength-1])) + "…"
}
