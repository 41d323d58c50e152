// Package transport defines the chat connection contract a connection worker drives.
//
// Implementations own one live account connection and report lifecycle and
// inbound message events through an EventHandler.
package transport

import (
	"context"
	"errors"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNotPaired is returned when an operation needs a paired device.
	ErrNotPaired = errors.New("device not paired")
)

// EventHandler receives lifecycle and message events from a Transport.
// Calls may arrive on transport-owned goroutines.
type EventHandler interface {
	// OnPairingChallenge delivers a QR payload the user must scan.
	OnPairingChallenge(code string)
	// OnPaired reports the device identity after a successful pairing.
	OnPaired(deviceJID string)
	OnReady()
	OnAuthFailure(reason string)
	OnDisconnected(reason string)
	OnMessage(msg models.ChatMessage)
}

// GroupInfo is a chat group visible to the connected account.
type GroupInfo struct {
	ChatID string
	Name   string
}

// Transport is one live chat account connection.
type Transport interface {
	// Start begins connecting; progress is reported through the EventHandler.
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	// SelfID returns the connected account's user id, empty before pairing.
	SelfID() string
	// FetchRecentMessages returns up to limit messages of chatID known to the transport.
	FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error)
	// ForceLoadHistory asks the server to backfill older messages of chatID.
	ForceLoadHistory(ctx context.Context, chatID string) error
	ListGroups(ctx context.Context) ([]GroupInfo, error)
}

// Factory builds the transport for one user. deviceJID is empty for a new pairing.
type Factory interface {
	New(userID, deviceJID string, handler EventHandler) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(userID, deviceJID string, handler EventHandler) (Transport, error)

// New calls f.
func (f FactoryFunc) New(userID, deviceJID string, handler EventHandler) (Transport, error) {
	return f(userID, deviceJID, handler)
}
