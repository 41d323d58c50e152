// Package worker implements the per-user connection worker.
//
// A Worker owns one user's chat transport, drives the session state machine,
// persists heartbeats and ingests inbound group messages through the classifier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/genai"
	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/transport"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReadyTimeout      = 45 * time.Second
	DefaultClassifyTimeout   = 30 * time.Second
	DefaultMaxInFlight       = 4
	persistTimeout           = 5 * time.Second
)

var (
	// ErrNotConnected is returned by operations that need a connected session.
	ErrNotConnected = errors.New("worker not connected")
	// ErrMaxReconnectAttempts is returned when reconnecting gave up and the session needs re-pairing.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")
	// ErrReconnectInProgress is returned when another reconnect already runs for the worker.
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	// ErrPairingRequired is returned when the transport asked for a new pairing while reconnecting.
	ErrPairingRequired = errors.New("pairing required")
	// ErrAuthFailed is returned when the transport rejected the stored credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrStopped is returned once the worker has been stopped.
	ErrStopped = errors.New("worker stopped")

	errReadyTimeout = errors.New("timed out waiting for connection")
)

// Store is the persistence the worker writes through.
type Store interface {
	UpdateSession(ctx context.Context, userID string, upd models.SessionUpdate) error
	UpsertGroup(ctx context.Context, userID, chatJID, name string) (*models.Group, error)
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	RecordInbound(ctx context.Context, msg *models.InboundMessage) (bool, error)
	InboundExists(ctx context.Context, groupID, externalID string) (bool, error)
	MarkInboundProcessed(ctx context.Context, id int64, verdict *models.Verdict) error
	RecordClassificationError(ctx context.Context, id int64, errMsg string) error
	CreateAlert(ctx context.Context, a *models.Alert) (bool, error)
	CreateReminder(ctx context.Context, r *models.Reminder) (bool, error)
}

// Notifier delivers alerts and out-of-band notices to the user.
type Notifier interface {
	DispatchAlert(ctx context.Context, alert models.Alert) error
	NotifyUser(ctx context.Context, userID, text string, priority models.NotificationPriority) error
}

// Opts holds configuration options for a Worker.
type Opts struct {
	OwnerID              string
	DeviceJID            string
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	ReadyTimeout         time.Duration
	ClassifyTimeout      time.Duration
	MaxInFlight          int // concurrent inbound messages being classified
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

// Option defines a configuration option for a Worker.
type Option func(*Opts)

// WithOwnerID sets the owner id written with every session update.
func WithOwnerID(id string) Option {
	return func(o *Opts) {
		o.OwnerID = id
	}
}

// WithDeviceJID sets the paired device to resume.
func WithDeviceJID(jid string) Option {
	return func(o *Opts) {
		o.DeviceJID = jid
	}
}

// WithHeartbeatInterval sets how often a connected worker records a heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.HeartbeatInterval = d
	}
}

// WithReconnectPolicy sets the backoff base delay and the attempt ceiling.
func WithReconnectPolicy(base time.Duration, maxAttempts int) Option {
	return func(o *Opts) {
		o.ReconnectBase = base
		o.MaxReconnectAttempts = maxAttempts
	}
}

// WithReadyTimeout sets how long a reconnect attempt waits for the transport to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ReadyTimeout = d
	}
}

// WithClassifyTimeout bounds each classifier call.
func WithClassifyTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ClassifyTimeout = d
	}
}

// WithMaxInFlight bounds how many live messages are processed concurrently.
func WithMaxInFlight(n int) Option {
	return func(o *Opts) {
		o.MaxInFlight = n
	}
}

// WithMetrics sets the collectors the worker reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Worker owns one user's chat connection.
type Worker struct {
	userID     string
	store      Store
	factory    transport.Factory
	classifier genai.Classifier
	notifier   Notifier
	opts       Opts
	backoff    Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        models.SessionStatus
	deviceJID     string
	transport     transport.Transport
	generation    uint64
	outcome       chan error
	retry         RetryState
	lastHeartbeat time.Time
	startedAt     time.Time
	hbCancel      context.CancelFunc
	groupsSynced  bool
	started       bool
	stopping      bool

	groupsMu sync.Mutex
	groups   map[string]*models.Group // chat JID -> group

	reconnecting atomic.Bool
	sem          chan struct{}
	wg           sync.WaitGroup
}

// New creates a worker for userID. Call Start to connect.
func New(userID string, st Store, factory transport.Factory, classifier genai.Classifier, notifier Notifier, opts ...Option) *Worker {
	cfg := Opts{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectBase:        DefaultReconnectBase,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReadyTimeout:         DefaultReadyTimeout,
		ClassifyTimeout:      DefaultClassifyTimeout,
		MaxInFlight:          DefaultMaxInFlight,
		Now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		userID:     userID,
		store:      st,
		factory:    factory,
		classifier: classifier,
		notifier:   notifier,
		opts:       cfg,
		backoff:    Backoff{Base: cfg.ReconnectBase, MaxAttempts: cfg.MaxReconnectAttempts},
		ctx:        ctx,
		cancel:     cancel,
		status:     models.SessionStatusDisconnected,
		deviceJID:  cfg.DeviceJID,
		groups:     make(map[string]*models.Group),
		sem:        make(chan struct{}, cfg.MaxInFlight),
	}
}

// UserID returns the user the worker serves.
func (w *Worker) UserID() string {
	return w.userID
}

// Status returns the worker's current session status.
func (w *Worker) Status() models.SessionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastHeartbeat returns the last recorded heartbeat, zero if none yet.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// HeartbeatAge returns the time since the last heartbeat, or since start if none was recorded.
func (w *Worker) HeartbeatAge(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lastHeartbeat.IsZero() {
		return now.Sub(w.lastHeartbeat)
	}
	return now.Sub(w.startedAt)
}

// RetryState returns the current reconnect state.
func (w *Worker) RetryState() RetryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retry
}

// Start moves the session to connecting and starts the transport. Readiness,
// pairing and failures are reported asynchronously through transport events.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.startedAt = w.opts.Now()
	w.mu.Unlock()

	slog.Info("Worker.Start: starting worker", "user_id", w.userID)
	if _, err := w.connect(ctx); err != nil {
		return fmt.Errorf("start worker %s: %w", w.userID, err)
	}
	return nil
}

// connect replaces any existing transport with a new one and starts it.
// The returned channel receives the first terminal outcome of this connection.
func (w *Worker) connect(ctx context.Context) (<-chan error, error) {
	outcome := make(chan error, 1)

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return nil, ErrStopped
	}
	w.stopHeartbeatLocked()
	old := w.transport
	w.transport = nil
	w.generation++
	gen := w.generation
	w.outcome = outcome
	w.status = models.SessionStatusConnecting
	deviceJID := w.deviceJID
	w.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			slog.Warn("Worker.connect: failed to stop previous transport", "user_id", w.userID, "error", err)
		}
	}
	w.persist(ctx, models.SessionUpdate{Status: models.SessionStatusConnecting})

	t, err := w.factory.New(w.userID, deviceJID, &eventHandler{w: w, gen: gen})
	if err != nil {
		w.fail(ctx, gen, fmt.Errorf("create transport: %w", err))
		return nil, err
	}

	w.mu.Lock()
	if gen != w.generation || w.stopping {
		w.mu.Unlock()
		_ = t.Stop()
		return nil, ErrStopped
	}
	w.transport = t
	w.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		w.fail(ctx, gen, fmt.Errorf("start transport: %w", err))
		return nil, err
	}
	return outcome, nil
}

// fail records a connection attempt that failed before any transport event.
func (w *Worker) fail(ctx context.Context, gen uint64, err error) {
	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusDisconnected
	w.mu.Unlock()
	slog.Error("Worker.connect: connection attempt failed", "user_id", w.userID, "error", err)
	w.persist(ctx, models.SessionUpdate{
		Status:       models.SessionStatusDisconnected,
		ErrorMessage: models.StringPtr(err.Error()),
	})
}

// Stop stops the transport, waits for in-flight message handling and marks the
// session disconnected unless it requires re-pairing.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return nil
	}
	w.stopping = true
	w.generation++
	w.stopHeartbeatLocked()
	t := w.transport
	w.transport = nil
	status := w.status
	if status != models.SessionStatusManualReauth {
		w.status = models.SessionStatusDisconnected
	}
	w.mu.Unlock()

	w.cancel()
	var err error
	if t != nil {
		err = t.Stop()
	}
	w.wg.Wait()

	if status != models.SessionStatusManualReauth {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		w.persist(ctx, models.SessionUpdate{Status: models.SessionStatusDisconnected})
	}
	slog.Info("Worker.Stop: worker stopped", "user_id", w.userID, "previous_status", status)
	return err
}

// MarkUnstable moves a connected session to unstable. Returns false if the
// session was not connected.
func (w *Worker) MarkUnstable(ctx context.Context) bool {
	w.mu.Lock()
	if w.status != models.SessionStatusConnected || w.stopping {
		w.mu.Unlock()
		return false
	}
	w.status = models.SessionStatusUnstable
	w.mu.Unlock()
	slog.Warn("Worker.MarkUnstable: heartbeat lapsed", "user_id", w.userID)
	w.persist(ctx, models.SessionUpdate{Status: models.SessionStatusUnstable})
	return true
}

// currentLocked reports whether events from generation gen still apply.
func (w *Worker) currentLocked(gen uint64) bool {
	return gen == w.generation && !w.stopping
}

func (w *Worker) signalLocked(err error) {
	if w.outcome == nil {
		return
	}
	select {
	case w.outcome <- err:
	default:
	}
}

func (w *Worker) handleReady(gen uint64) {
	now := w.opts.Now()
	w.mu.Lock()
	if !w.currentLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusConnected
	w.retry = RetryState{}
	w.lastHeartbeat = now
	w.startHeartbeatLocked()
	syncGroups := !w.groupsSynced
	w.groupsSynced = true
	w.signalLocked(nil)
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	slog.Info("Worker.handleReady: connected", "user_id", w.userID)
	w.persist(w.ctx, models.SessionUpdate{
		Status:        models.SessionStatusConnected,
		LastHeartbeat: models.TimePtr(now),
		ClearQR:       true,
		ClearError:    true,
	})
	if syncGroups {
		w.syncGroups(w.ctx)
	}
}

func (w *Worker) handlePairingChallenge(gen uint64, code string) {
	w.mu.Lock()
	if !w.currentLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusQRRequired
	w.signalLocked(ErrPairingRequired)
	w.mu.Unlock()

	slog.Info("Worker.handlePairingChallenge: pairing code issued", "user_id", w.userID)
	w.persist(w.ctx, models.SessionUpdate{
		Status:    models.SessionStatusQRRequired,
		QRPayload: models.StringPtr(code),
	})
}

func (w *Worker) handlePaired(gen uint64, deviceJID string) {
	w.mu.Lock()
	if !w.currentLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.deviceJID = deviceJID
	status := w.status
	w.mu.Unlock()

	slog.Info("Worker.handlePaired: device paired", "user_id", w.userID, "device_jid", deviceJID)
	w.persist(w.ctx, models.SessionUpdate{Status: status, DeviceJID: models.StringPtr(deviceJID)})
}

func (w *Worker) handleAuthFailure(gen uint64, reason string) {
	w.mu.Lock()
	if !w.currentLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusManualReauth
	w.stopHeartbeatLocked()
	w.signalLocked(fmt.Errorf("%w: %s", ErrAuthFailed, reason))
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	slog.Warn("Worker.handleAuthFailure: session requires re-pairing", "user_id", w.userID, "reason", reason)
	w.persist(w.ctx, models.SessionUpdate{
		Status:       models.SessionStatusManualReauth,
		ErrorMessage: models.StringPtr(reason),
		ClearQR:      true,
	})
	w.notify(w.ctx, "Your WhatsApp connection was logged out. Please pair your device again to keep receiving group updates.", models.NotificationPriorityHigh)
}

func (w *Worker) handleDisconnected(gen uint64, reason string) {
	w.mu.Lock()
	if !w.currentLocked(gen) || w.status == models.SessionStatusManualReauth {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusDisconnected
	w.stopHeartbeatLocked()
	w.signalLocked(fmt.Errorf("disconnected: %s", reason))
	quiet := w.reconnecting.Load()
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	slog.Warn("Worker.handleDisconnected: transport disconnected", "user_id", w.userID, "reason", reason)
	w.persist(w.ctx, models.SessionUpdate{
		Status:       models.SessionStatusDisconnected,
		ErrorMessage: models.StringPtr(reason),
	})
	if !quiet {
		w.notify(w.ctx, "Your WhatsApp connection was interrupted. We will try to reconnect automatically.", models.NotificationPriorityNormal)
	}
}

func (w *Worker) handleMessage(gen uint64, msg models.ChatMessage) {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return
	}
	w.mu.Lock()
	if !w.currentLocked(gen) {
		w.mu.Unlock()
		<-w.sem
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		if _, err := w.HandleMessage(w.ctx, msg); err != nil {
			slog.Error("Worker.handleMessage: failed to ingest message", "user_id", w.userID, "chat_id", msg.ChatID, "message_id", msg.ID, "error", err)
		}
	}()
}

// persist writes upd for the worker's user, stamping the owner id. Failures are logged.
func (w *Worker) persist(ctx context.Context, upd models.SessionUpdate) {
	upd.OwnerWorkerID = w.opts.OwnerID
	if err := w.store.UpdateSession(ctx, w.userID, upd); err != nil {
		slog.Error("Worker.persist: failed to update session", "user_id", w.userID, "status", upd.Status, "error", err)
		return
	}
	if upd.Status != "" {
		w.opts.Metrics.SessionTransition(string(upd.Status))
	}
}

func (w *Worker) notify(ctx context.Context, text string, priority models.NotificationPriority) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyUser(ctx, w.userID, text, priority); err != nil {
		slog.Error("Worker.notify: failed to notify user", "user_id", w.userID, "error", err)
	}
}

func (w *Worker) startHeartbeatLocked() {
	if w.hbCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.hbCancel = cancel
	w.wg.Add(1)
	go w.heartbeatLoop(ctx)
}

func (w *Worker) stopHeartbeatLocked() {
	if w.hbCancel != nil {
		w.hbCancel()
		w.hbCancel = nil
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

// heartbeat records liveness while the transport reports a live connection.
// An unstable session whose transport is live again returns to connected.
func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	t := w.transport
	status := w.status
	w.mu.Unlock()
	if t == nil || (status != models.SessionStatusConnected && status != models.SessionStatusUnstable) {
		return
	}
	if !t.IsConnected() {
		slog.Debug("Worker.heartbeat: transport not connected, skipping", "user_id", w.userID)
		return
	}

	now := w.opts.Now()
	w.mu.Lock()
	if w.transport != t {
		w.mu.Unlock()
		return
	}
	w.status = models.SessionStatusConnected
	w.lastHeartbeat = now
	w.mu.Unlock()

	w.persist(ctx, models.SessionUpdate{
		Status:        models.SessionStatusConnected,
		LastHeartbeat: models.TimePtr(now),
	})
}

func (w *Worker) currentTransport() transport.Transport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport
}

// eventHandler binds transport events to the connection generation that produced them.
type eventHandler struct {
	w   *Worker
	gen uint64
}

func (h *eventHandler) OnPairingChallenge(code string) { h.w.handlePairingChallenge(h.gen, code) }
func (h *eventHandler) OnPaired(deviceJID string)      { h.w.handlePaired(h.gen, deviceJID) }
func (h *eventHandler) OnReady()                       { h.w.handleReady(h.gen) }
func (h *eventHandler) OnAuthFailure(reason string)    { h.w.handleAuthFailure(h.gen, reason) }
func (h *eventHandler) OnDisconnected(reason string)   { h.w.handleDisconnected(h.gen, reason) }
func (h *eventHandler) OnMessage(msg models.ChatMessage) {
	h.w.handleMessage(h.gen, msg)
}
