// Package messaging delivers outbound notifications to users over a pluggable client.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

var (
	// ErrServiceStopped is returned by Send after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrInvalidRecipient is returned for phone numbers that cannot be canonicalized.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender is the outbound transport contract used by the delivery pipeline.
type Sender interface {
	// Send delivers text to an E.164 phone number and returns the provider message id.
	Send(ctx context.Context, phone, text string) (string, error)
}

// Client is implemented by the WhatsApp notifier account and the Twilio client.
type Client interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Service adapts a Client to Sender with recipient canonicalization.
type Service struct {
	name   string
	client Client

	mu      sync.RWMutex
	stopped bool
}

var _ Sender = (*Service)(nil)

// NewService wraps client; name labels log lines ("whatsapp", "twilio").
func NewService(name string, client Client) *Service {
	return &Service{name: name, client: client}
}

// Name returns the provider label.
func (s *Service) Name() string {
	return s.name
}

// ValidateAndCanonicalizeRecipient strips everything but digits and returns "+digits".
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", ErrInvalidRecipient, canonical)
	}
	return "+" + canonical, nil
}

// Send canonicalizes phone and hands the message to the client.
func (s *Service) Send(ctx context.Context, phone, text string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	to, err := ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		slog.Error("messaging.Service.Send: invalid recipient", "provider", s.name, "error", err)
		return "", err
	}
	id, err := s.client.SendMessage(ctx, to, text)
	if err != nil {
		return "", err
	}
	slog.Debug("messaging.Service.Send: delivered", "provider", s.name, "to", to, "message_id", id)
	return id, nil
}

// Stop rejects further sends.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}
