package recovery

import (
	"context"
	"time"
)

// Component names.
const (
	ComponentOutbound = "outbound_queue"
	ComponentScans    = "scan_requests"
	ComponentInbound  = "inbound_messages"
)

// DefaultStaleAfter is how long an entry may sit in an in-flight state before
// it is treated as abandoned by a dead process.
const DefaultStaleAfter = 10 * time.Minute

// OutboundRecoverer returns queue entries stuck in sending. *delivery.Manager implements it.
type OutboundRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ScanRequeuer returns scan requests stuck in processing to pending.
type ScanRequeuer interface {
	RequeueStaleScanRequests(ctx context.Context, staleBefore time.Time) (int, error)
}

// Reprocessor retries classification of unprocessed inbound messages. *supervisor.Supervisor implements it.
type Reprocessor interface {
	ReprocessPending(ctx context.Context) (int, error)
}

// OutboundRecovery requeues outbound entries a crashed process left in sending.
func OutboundRecovery(q OutboundRecoverer, staleAfter time.Duration) Recoverable {
	return Func{ComponentName: ComponentOutbound, Fn: func(ctx context.Context) (int, error) {
		return q.RecoverStale(ctx, staleAfter)
	}}
}

// ScanRecovery returns scan requests abandoned in processing to pending so the
// scan poller picks them up again.
func ScanRecovery(s ScanRequeuer, staleAfter time.Duration, now func() time.Time) Recoverable {
	if now == nil {
		now = time.Now
	}
	return Func{ComponentName: ComponentScans, Fn: func(ctx context.Context) (int, error) {
		return s.RequeueStaleScanRequests(ctx, now().Add(-staleAfter))
	}}
}

// InboundRecovery classifies messages received before the restart but never processed.
func InboundRecovery(r Reprocessor) Recoverable {
	return Func{ComponentName: ComponentInbound, Fn: r.ReprocessPending}
}
