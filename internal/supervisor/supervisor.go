// Package supervisor manages the connection workers of one process.
//
// The Supervisor keeps a registry of user id to worker, starts workers for
// sessions that need one, runs the periodic health check and dispatches
// history scan requests to the owning worker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/genai"
	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/BTreeMap/GroupPulse/internal/transport"
	"github.com/BTreeMap/GroupPulse/internal/worker"
)

// Defaults for the supervisor loops.
const (
	DefaultStopTimeout        = 10 * time.Second
	DefaultHealthInterval     = 60 * time.Second
	DefaultStaleThreshold     = 2 * time.Minute
	DefaultReconnectThreshold = 10 * time.Minute
	DefaultScanPollInterval   = 5 * time.Second
	DefaultScanLimit          = 100
	DefaultScanBatch          = 10
	DefaultReprocessAge       = 5 * time.Minute
	DefaultReprocessBatch     = 200
)

var (
	// ErrWorkerNotConnected is recorded on scan requests whose owner has no connected worker here.
	ErrWorkerNotConnected = errors.New("worker not connected")
	// ErrOwnedElsewhere is returned when another instance holds the session.
	ErrOwnedElsewhere = errors.New("session owned by another instance")
)

// Store is the persistence the supervisor and its workers use.
type Store interface {
	worker.Store
	GetSession(ctx context.Context, userID string) (*models.WorkerSession, error)
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.WorkerSession, error)
	ClaimSession(ctx context.Context, userID, ownerID string, staleBefore time.Time) (bool, error)
	WatchSessions(ctx context.Context) (<-chan models.SessionChange, error)
	ListPendingScanRequests(ctx context.Context, limit int) ([]models.ScanRequest, error)
	MarkScanProcessing(ctx context.Context, id string) (bool, error)
	CompleteScanRequest(ctx context.Context, id string, found int) error
	FailScanRequest(ctx context.Context, id, errMsg string) error
	ListUnprocessedInbound(ctx context.Context, userID string, receivedBefore time.Time, limit int) ([]models.InboundMessage, error)
}

// Opts holds configuration options for the Supervisor.
type Opts struct {
	OwnerID            string
	StrictOwnership    bool
	StopTimeout        time.Duration
	HealthInterval     time.Duration
	StaleThreshold     time.Duration
	ReconnectThreshold time.Duration
	ScanPollInterval   time.Duration
	ScanLimit          int
	ScanBatch          int
	ReprocessAge       time.Duration
	WorkerOptions      []worker.Option
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

// Option defines a configuration option for the Supervisor.
type Option func(*Opts)

// WithOwnerID sets the id this process writes as session owner.
func WithOwnerID(id string) Option {
	return func(o *Opts) {
		o.OwnerID = id
	}
}

// WithStrictOwnership refuses to start workers for sessions another live instance owns.
func WithStrictOwnership(strict bool) Option {
	return func(o *Opts) {
		o.StrictOwnership = strict
	}
}

// WithStopTimeout bounds how long stopping one worker may take.
func WithStopTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.StopTimeout = d
	}
}

// WithHealthCheck sets the health check interval and its stale and reconnect thresholds.
func WithHealthCheck(interval, stale, reconnect time.Duration) Option {
	return func(o *Opts) {
		o.HealthInterval = interval
		o.StaleThreshold = stale
		o.ReconnectThreshold = reconnect
	}
}

// WithScanPolling sets how often pending scan requests are polled and how many are taken per poll.
func WithScanPolling(interval time.Duration, batch int) Option {
	return func(o *Opts) {
		o.ScanPollInterval = interval
		o.ScanBatch = batch
	}
}

// WithScanLimit sets how many recent messages a history scan fetches.
func WithScanLimit(n int) Option {
	return func(o *Opts) {
		o.ScanLimit = n
	}
}

// WithReprocessAge sets how old an unprocessed message must be before it is retried.
func WithReprocessAge(d time.Duration) Option {
	return func(o *Opts) {
		o.ReprocessAge = d
	}
}

// WithWorkerOptions passes options to every worker the supervisor creates.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *Opts) {
		o.WorkerOptions = append(o.WorkerOptions, opts...)
	}
}

// WithMetrics sets the collectors the supervisor and its workers report to.
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

type scanJob struct {
	requestID string
	groupID   string
}

// Supervisor owns the workers of this process.
type Supervisor struct {
	store      Store
	transports transport.Factory
	classifier genai.Classifier
	notifier   worker.Notifier
	opts       Opts

	mu      sync.Mutex
	workers map[string]*worker.Worker
	// deferred holds users skipped because another instance owned the session.
	deferred map[string]struct{}

	scans     chan scanJob
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New creates a supervisor. Call Initialize to start workers and background loops.
func New(st Store, transports transport.Factory, classifier genai.Classifier, notifier worker.Notifier, opts ...Option) *Supervisor {
	cfg := Opts{
		StopTimeout:        DefaultStopTimeout,
		HealthInterval:     DefaultHealthInterval,
		StaleThreshold:     DefaultStaleThreshold,
		ReconnectThreshold: DefaultReconnectThreshold,
		ScanPollInterval:   DefaultScanPollInterval,
		ScanLimit:          DefaultScanLimit,
		ScanBatch:          DefaultScanBatch,
		ReprocessAge:       DefaultReprocessAge,
		Now:                time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      st,
		transports: transports,
		classifier: classifier,
		notifier:   notifier,
		opts:       cfg,
		workers:    make(map[string]*worker.Worker),
		deferred:   make(map[string]struct{}),
		scans:      make(chan scanJob, 64),
		runCtx:     runCtx,
		runCancel:  cancel,
		startedAt:  cfg.Now(),
	}
}

// OwnerID returns the owner id this process writes on sessions.
func (s *Supervisor) OwnerID() string {
	return s.opts.OwnerID
}

// Uptime returns how long the supervisor has existed.
func (s *Supervisor) Uptime() time.Duration {
	return s.opts.Now().Sub(s.startedAt)
}

// Initialize starts a worker for every session that needs one, subscribes to
// session changes and starts the health check and scan dispatch loops.
func (s *Supervisor) Initialize(ctx context.Context) error {
	sessions, err := s.store.ListSessionsByStatus(ctx, models.WorkerStartStatuses...)
	if err != nil {
		return fmt.Errorf("list sessions needing workers: %w", err)
	}
	slog.Info("Supervisor.Initialize: starting workers", "count", len(sessions), "owner_id", s.opts.OwnerID)
	for _, sess := range sessions {
		s.StartWorker(ctx, sess.UserID)
	}

	changes, err := s.store.WatchSessions(s.runCtx)
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}
	s.wg.Add(3)
	go s.watchLoop(changes)
	go s.healthLoop()
	go s.scanLoop()
	return nil
}

func (s *Supervisor) watchLoop(changes <-chan models.SessionChange) {
	defer s.wg.Done()
	for change := range changes {
		s.handleSessionChange(s.runCtx, change)
	}
}

// handleSessionChange starts a worker when a user needs pairing. A worker
// parked in manual_reauth_required or disconnected is replaced, since its
// transport will not produce a new pairing code on its own.
func (s *Supervisor) handleSessionChange(ctx context.Context, change models.SessionChange) {
	if change.Status != models.SessionStatusQRRequired {
		return
	}
	if w := s.Worker(change.UserID); w != nil {
		switch w.Status() {
		case models.SessionStatusManualReauth, models.SessionStatusDisconnected:
			slog.Info("Supervisor.handleSessionChange: re-pairing requested, replacing worker", "user_id", change.UserID, "worker_status", w.Status())
			s.StopWorker(change.UserID)
		default:
			return
		}
	} else {
		slog.Info("Supervisor.handleSessionChange: pairing requested, starting worker", "user_id", change.UserID)
	}
	s.StartWorker(ctx, change.UserID)
}

// StartWorker creates, registers and starts the worker for userID. It is a
// no-op if one is already registered. Failures are logged and the worker is
// removed so a later call can retry.
func (s *Supervisor) StartWorker(ctx context.Context, userID string) {
	if s.Worker(userID) != nil {
		return
	}

	deviceJID := ""
	sess, err := s.store.GetSession(ctx, userID)
	switch {
	case err == nil:
		deviceJID = sess.DeviceJID
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("Supervisor.StartWorker: failed to load session", "user_id", userID, "error", err)
		return
	}
	if sess != nil && sess.Status == models.SessionStatusManualReauth {
		slog.Info("Supervisor.StartWorker: session requires re-pairing, not starting", "user_id", userID)
		s.undefer(userID)
		return
	}

	if s.opts.OwnerID != "" {
		claimed, err := s.store.ClaimSession(ctx, userID, s.opts.OwnerID, s.opts.Now().Add(-s.opts.StaleThreshold))
		if err != nil {
			slog.Error("Supervisor.StartWorker: failed to claim session", "user_id", userID, "error", err)
			return
		}
		if !claimed {
			if s.opts.StrictOwnership {
				slog.Info("Supervisor.StartWorker: session owned by another instance, retrying on health check", "user_id", userID)
				s.mu.Lock()
				s.deferred[userID] = struct{}{}
				s.mu.Unlock()
				return
			}
			slog.Warn("Supervisor.StartWorker: taking over session owned by another instance", "user_id", userID)
		}
	}

	opts := append([]worker.Option{
		worker.WithOwnerID(s.opts.OwnerID),
		worker.WithDeviceJID(deviceJID),
		worker.WithMetrics(s.opts.Metrics),
	}, s.opts.WorkerOptions...)
	w := worker.New(userID, s.store, s.transports, s.classifier, s.notifier, opts...)

	s.mu.Lock()
	if _, exists := s.workers[userID]; exists {
		s.mu.Unlock()
		return
	}
	s.workers[userID] = w
	delete(s.deferred, userID)
	s.opts.Metrics.SetActiveWorkers(len(s.workers))
	s.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		slog.Error("Supervisor.StartWorker: worker failed to start", "user_id", userID, "error", err)
		s.remove(userID, w)
		if err := s.stopWithTimeout(w); err != nil {
			slog.Warn("Supervisor.StartWorker: cleanup stop failed", "user_id", userID, "error", err)
		}
		return
	}
	slog.Info("Supervisor.StartWorker: worker started", "user_id", userID)
}

// StopWorker stops and unregisters the worker for userID. It is idempotent;
// the worker is removed even if stopping fails or times out.
func (s *Supervisor) StopWorker(userID string) error {
	s.mu.Lock()
	w, ok := s.workers[userID]
	if ok {
		delete(s.workers, userID)
		s.opts.Metrics.SetActiveWorkers(len(s.workers))
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.stopWithTimeout(w)
	if err != nil {
		slog.Warn("Supervisor.StopWorker: worker stop failed", "user_id", userID, "error", err)
	} else {
		slog.Info("Supervisor.StopWorker: worker stopped", "user_id", userID)
	}
	return err
}

// StopAll stops the background loops and every worker concurrently.
func (s *Supervisor) StopAll() {
	s.runCancel()

	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*worker.Worker)
	s.opts.Metrics.SetActiveWorkers(0)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for userID, w := range workers {
		wg.Add(1)
		go func(userID string, w *worker.Worker) {
			defer wg.Done()
			if err := s.stopWithTimeout(w); err != nil {
				slog.Warn("Supervisor.StopAll: worker stop failed", "user_id", userID, "error", err)
			}
		}(userID, w)
	}
	wg.Wait()
	s.wg.Wait()
	slog.Info("Supervisor.StopAll: all workers stopped", "count", len(workers))
}

func (s *Supervisor) stopWithTimeout(w *worker.Worker) error {
	done := make(chan error, 1)
	go func() { done <- w.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.opts.StopTimeout):
		return fmt.Errorf("stop worker %s: timed out after %v", w.UserID(), s.opts.StopTimeout)
	}
}

func (s *Supervisor) undefer(userID string) {
	s.mu.Lock()
	delete(s.deferred, userID)
	s.mu.Unlock()
}

// Deferred returns the users whose sessions another instance held when this
// process tried to start them, ordered by user id.
func (s *Supervisor) Deferred() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.deferred))
	for userID := range s.deferred {
		out = append(out, userID)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Supervisor) remove(userID string, w *worker.Worker) {
	s.mu.Lock()
	if s.workers[userID] == w {
		delete(s.workers, userID)
		s.opts.Metrics.SetActiveWorkers(len(s.workers))
	}
	s.mu.Unlock()
}

// Worker returns the registered worker for userID, or nil.
func (s *Supervisor) Worker(userID string) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[userID]
}

// ActiveCount returns the number of registered workers.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers describes every registered worker, ordered by user id.
func (s *Supervisor) Workers() []models.WorkerInfo {
	s.mu.Lock()
	infos := make([]models.WorkerInfo, 0, len(s.workers))
	for userID, w := range s.workers {
		info := models.WorkerInfo{UserID: userID, Status: w.Status()}
		if hb := w.LastHeartbeat(); !hb.IsZero() {
			unix := hb.Unix()
			info.LastHeartbeat = &unix
		}
		infos = append(infos, info)
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

func (s *Supervisor) snapshot() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}
