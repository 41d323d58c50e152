package models

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestVerdictValidateCountsCharacters(t *testing.T) {
	summary := strings.Repeat("ש", MaxSummaryLength)
	v := Verdict{Category: CategoryHomework, Urgency: 5, Summary: summary}
	if err := v.Validate(); err != nil {
		t.Fatalf("summary of %d characters (%d bytes) rejected: %v", MaxSummaryLength, len(summary), err)
	}

	v.Summary += "ש"
	if err := v.Validate(); !errors.Is(err, ErrInvalidVerdict) {
		t.Errorf("expected ErrInvalidVerdict for %d characters, got %v", MaxSummaryLength+1, err)
	}
}

func TestTruncateSummary(t *testing.T) {
	short := "הטיול נדחה"
	if got := TruncateSummary(short); got != short {
		t.Errorf("short summary changed: %q", got)
	}

	long := strings.Repeat("טיול ", MaxSummaryLength)
	got := TruncateSummary(long)
	if n := utf8.RuneCountInString(got); n > MaxSummaryLength {
		t.Errorf("truncated summary has %d characters", n)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated summary is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated summary should end with an ellipsis: %q", got)
	}
	if err := (Verdict{Category: CategoryOther, Summary: got}).Validate(); err != nil {
		t.Errorf("truncated summary fails validation: %v", err)
	}
}
