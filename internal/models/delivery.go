package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageType is the kind of outbound notification.
type MessageType string

const (
	MessageTypeDigest   MessageType = "digest"
	MessageTypeAlert    MessageType = "alert"
	MessageTypeNotice   MessageType = "notice"
	MessageTypeReminder MessageType = "reminder"
)

// QueueStatus is the lifecycle state of an outbound queue entry.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSending QueueStatus = "sending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// IsTerminal reports whether the entry may no longer change.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed
}

// OutboundQueueEntry is one attempted or pending notification.
type OutboundQueueEntry struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	MessageType  MessageType `json:"message_type"`
	Content      string      `json:"content"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       QueueStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	RelatedID    string      `json:"related_id,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// User is the subset of a user's profile the delivery pipeline needs.
type User struct {
	ID              string `json:"id"`
	Phone           string `json:"phone"`
	WAOptIn         bool   `json:"wa_opt_in"`
	DailySummary    bool   `json:"daily_summary"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`   // "HH:MM"
	Timezone        string `json:"timezone,omitempty"`
}

var ErrInvalidClock = errors.New("invalid clock time")

// InQuietHours reports whether t falls inside the user's quiet hours.
// The range may wrap midnight; an empty or malformed range never matches.
func (u User) InQuietHours(t time.Time, defaultLoc *time.Location) bool {
	if u.QuietHoursStart == "" || u.QuietHoursEnd == "" {
		return false
	}
	start, err := ParseClock(u.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(u.QuietHoursEnd)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	loc := defaultLoc
	if u.Timezone != "" {
		if l, err := time.LoadLocation(u.Timezone); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return h*60 + m, nil
}

// Alert is an immediate notification derived from one high-urgency message.
type Alert struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	MessageID int64      `json:"message_id"`
	Content   string     `json:"content"`
	Urgency   int        `json:"urgency"`
	Sent      bool       `json:"sent"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// ReminderKind distinguishes the side effects a verdict can fire.
type ReminderKind string

const (
	ReminderKindCalendarCandidate ReminderKind = "calendar_candidate"
	ReminderKindScheduleUpdate    ReminderKind = "schedule_update"
)

// Reminder is a deferred follow-up created from a classified message.
type Reminder struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	MessageID int64        `json:"message_id"`
	Kind      ReminderKind `json:"kind"`
	Content   string       `json:"content"`
	RemindAt  time.Time    `json:"remind_at"`
	Sent      bool         `json:"sent"`
	CreatedAt time.Time    `json:"created_at"`
}

// NotificationPriority orders in-app notifications.
type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
)

// Notification is an in-app alert record shown on the dashboard.
type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Kind      string               `json:"kind"`
	Message   string               `json:"message"`
	Priority  NotificationPriority `json:"priority"`
	CreatedAt time.Time            `json:"created_at"`
}
