// Package models defines the core data structures for GroupPulse.
//
// It includes worker sessions, inbound and outbound messages, scan requests and
// classifier verdicts, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// SessionStatus is the connection state of a user's worker session.
type SessionStatus string

const (
	// SessionStatusDisconnected is the initial state; a worker can always be restarted from here.
	SessionStatusDisconnected SessionStatus = "disconnected"
	// SessionStatusConnecting indicates the transport is being brought up.
	SessionStatusConnecting SessionStatus = "connecting"
	// SessionStatusQRRequired indicates a pairing challenge was issued and awaits the user.
	SessionStatusQRRequired SessionStatus = "qr_required"
	// SessionStatusConnected indicates the transport is ready and heartbeats are flowing.
	SessionStatusConnected SessionStatus = "connected"
	// SessionStatusUnstable indicates the session was connected but heartbeats lapsed.
	SessionStatusUnstable SessionStatus = "unstable"
	// SessionStatusManualReauth is terminal until the user pairs the device again.
	SessionStatusManualReauth SessionStatus = "manual_reauth_required"
)

// WorkerStartStatuses lists the statuses for which the supervisor starts a worker at boot.
var WorkerStartStatuses = []SessionStatus{
	SessionStatusConnected,
	SessionStatusConnecting,
	SessionStatusUnstable,
	SessionStatusQRRequired,
	SessionStatusDisconnected,
}

var ErrInvalidSessionStatus = errors.New("invalid session status")

// IsValidSessionStatus checks if the given status is one of the known states.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusDisconnected, SessionStatusConnecting, SessionStatusQRRequired,
		SessionStatusConnected, SessionStatusUnstable, SessionStatusManualReauth:
		return true
	default:
		return false
	}
}

// WorkerSession is the persisted connection state for one user.
type WorkerSession struct {
	UserID        string        `json:"user_id"`
	Status        SessionStatus `json:"status"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	OwnerWorkerID string        `json:"owner_worker_id,omitempty"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	QRPayload     *string       `json:"qr_payload,omitempty"`
	DeviceJID     string        `json:"device_jid,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HeartbeatAge returns how long ago the last heartbeat was recorded.
// A session that never emitted a heartbeat is measured from its last update.
func (s WorkerSession) HeartbeatAge(now time.Time) time.Duration {
	if s.LastHeartbeat != nil {
		return now.Sub(*s.LastHeartbeat)
	}
	return now.Sub(s.UpdatedAt)
}

// SessionUpdate is a targeted update of a session row keyed by user id.
// Nil pointer fields are left untouched; ClearQR and ClearError null the columns.
type SessionUpdate struct {
	Status        SessionStatus
	OwnerWorkerID string
	LastHeartbeat *time.Time
	ErrorMessage  *string
	QRPayload     *string
	DeviceJID     *string
	ClearQR       bool
	ClearError    bool
}

// SessionChange is emitted by the store when a session row changes.
type SessionChange struct {
	UserID string        `json:"user_id"`
	Status SessionStatus `json:"status"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
