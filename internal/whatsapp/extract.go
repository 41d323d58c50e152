package whatsapp

import (
	"strings"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// extractContent returns the message text and its recognised media category.
// Captions count as text. Protocol, reaction and receipt-like messages yield
// neither and are treated as noise upstream.
func extractContent(msg *waE2E.Message) (string, models.MediaType) {
	if msg == nil {
		return "", models.MediaTypeNone
	}
	if t := msg.GetConversation(); t != "" {
		return strings.TrimSpace(t), models.MediaTypeNone
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.GetText() != "" {
		return strings.TrimSpace(ext.GetText()), models.MediaTypeNone
	}
	switch {
	case msg.GetImageMessage() != nil:
		return strings.TrimSpace(msg.GetImageMessage().GetCaption()), models.MediaTypeImage
	case msg.GetVideoMessage() != nil:
		return strings.TrimSpace(msg.GetVideoMessage().GetCaption()), models.MediaTypeVideo
	case msg.GetAudioMessage() != nil:
		return "", models.MediaTypeAudio
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		text := doc.GetCaption()
		if text == "" {
			text = doc.GetFileName()
		}
		return strings.TrimSpace(text), models.MediaTypeDocument
	case msg.GetStickerMessage() != nil:
		return "", models.MediaTypeSticker
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		return strings.TrimSpace(loc.GetName() + " " + loc.GetAddress()), models.MediaTypeLocation
	case msg.GetContactMessage() != nil:
		return strings.TrimSpace(msg.GetContactMessage().GetDisplayName()), models.MediaTypeContact
	case msg.GetPollCreationMessage() != nil:
		return pollText(msg.GetPollCreationMessage()), models.MediaTypePoll
	case msg.GetPollCreationMessageV3() != nil:
		return pollText(msg.GetPollCreationMessageV3()), models.MediaTypePoll
	}
	return "", models.MediaTypeNone
}

func pollText(p *waE2E.PollCreationMessage) string {
	parts := []string{p.GetName()}
	for _, opt := range p.GetOptions() {
		parts = append(parts, "- "+opt.GetOptionName())
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// chatMessageFromEvent converts a whatsmeow message event.
func chatMessageFromEvent(evt *events.Message) models.ChatMessage {
	text, media := extractContent(evt.Message)
	return models.ChatMessage{
		ID:         evt.Info.ID,
		ChatID:     evt.Info.Chat.String(),
		IsGroup:    evt.Info.IsGroup,
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		Text:       text,
		MediaType:  media,
		Timestamp:  evt.Info.Timestamp.UTC(),
	}
}
