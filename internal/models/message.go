package models

import "time"

// ChatMessage is a message surfaced by a chat transport, before persistence.
type ChatMessage struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	ChatName   string    `json:"chat_name,omitempty"`
	IsGroup    bool      `json:"is_group"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	FromMe     bool      `json:"from_me"`
	Text       string    `json:"text,omitempty"`
	MediaType  MediaType `json:"media_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MediaType is the recognised media category of a chat message.
type MediaType string

const (
	MediaTypeNone     MediaType = ""
	MediaTypeImage    MediaType = "image"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
	MediaTypeSticker  MediaType = "sticker"
	MediaTypeLocation MediaType = "location"
	MediaTypeContact  MediaType = "contact"
	MediaTypePoll     MediaType = "poll"
)

// IsNoise reports whether the message carries neither text nor recognised media.
func (m ChatMessage) IsNoise() bool {
	return m.Text == "" && m.MediaType == MediaTypeNone
}

// ClassifiableText returns the text handed to the classifier.
// Media without a caption is described by its category.
func (m ChatMessage) ClassifiableText() string {
	if m.Text != "" {
		return m.Text
	}
	if m.MediaType != MediaTypeNone {
		return "[" + string(m.MediaType) + "]"
	}
	return ""
}

// Group is a chat group visible to a user's connection.
// The same chat seen by two users yields two groups.
type Group struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChatJID   string    `json:"chat_jid"`
	Name      string    `json:"name"`
	Monitored bool      `json:"monitored"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundMessage is a persisted group message that passed dedup.
type InboundMessage struct {
	ID                int64     `json:"id"`
	GroupID           string    `json:"group_id"`
	ExternalID        string    `json:"external_id"`
	UserID            string    `json:"user_id"`
	Body              string    `json:"body"`
	SenderID          string    `json:"sender_id"`
	SenderName        string    `json:"sender_name,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	Processed         bool      `json:"processed"`
	Category          Category  `json:"category,omitempty"`
	Urgency           int       `json:"urgency"`
	Summary           string    `json:"summary,omitempty"`
	ActionRequired    bool      `json:"action_required"`
	ClassificationErr string    `json:"classification_error,omitempty"`
	ClassifyAttempts  int       `json:"classify_attempts"`
}

// MaxClassifyAttempts is how many failed classifications a message may have
// before it is no longer retried.
const MaxClassifyAttempts = 5

// ClassifyExhausted reports whether the message has used up its classification attempts.
func (m InboundMessage) ClassifyExhausted() bool {
	return m.ClassifyAttempts >= MaxClassifyAttempts
}

// NewInboundMessage builds the persisted form of a transport message received in group.
func NewInboundMessage(group Group, m ChatMessage) InboundMessage {
	return InboundMessage{
		GroupID:    group.ID,
		ExternalID: m.ID,
		UserID:     group.UserID,
		Body:       m.ClassifiableText(),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		ReceivedAt: m.Timestamp,
	}
}

// ScanStatus is the lifecycle state of a history scan request.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "pending"
	ScanStatusProcessing ScanStatus = "processing"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
)

// ScanRequest is an on-demand historical backfill job for one group.
type ScanRequest struct {
	ID            string     `json:"id"`
	GroupID       string     `json:"group_id"`
	Status        ScanStatus `json:"status"`
	MessagesFound int        `json:"messages_found"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
