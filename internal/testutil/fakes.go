package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/transport"
)

// FakeTransport is an in-memory transport driven by the test.
type FakeTransport struct {
	UserID    string
	DeviceJID string

	mu         sync.Mutex
	handler    transport.EventHandler
	connected  bool
	selfID     string
	startErr   error
	started    int
	stopped    int
	groups     []transport.GroupInfo
	history    map[string][]models.ChatMessage
	historyErr error
	forceLoads []string
	onStart    func(*FakeTransport)
}

// Start records the call and runs the factory's start hook.
func (f *FakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started++
	err := f.startErr
	hook := f.onStart
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *FakeTransport) Stop() error {
	f.mu.Lock()
	f.stopped++
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeTransport) SelfID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfID
}

// FetchRecentMessages returns the newest limit messages seeded for chatID.
func (f *FakeTransport) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	msgs := f.history[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *FakeTransport) ForceLoadHistory(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceLoads = append(f.forceLoads, chatID)
	return nil
}

func (f *FakeTransport) ListGroups(ctx context.Context) ([]transport.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.GroupInfo, len(f.groups))
	copy(out, f.groups)
	return out, nil
}

// SetSelfID sets the id reported for the connected account.
func (f *FakeTransport) SetSelfID(id string) {
	f.mu.Lock()
	f.selfID = id
	f.mu.Unlock()
}

// SetConnected sets what IsConnected reports without emitting events.
func (f *FakeTransport) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// SetGroups sets the groups returned by ListGroups.
func (f *FakeTransport) SetGroups(groups ...transport.GroupInfo) {
	f.mu.Lock()
	f.groups = groups
	f.mu.Unlock()
}

// SetHistory seeds the messages FetchRecentMessages returns for chatID.
func (f *FakeTransport) SetHistory(chatID string, msgs ...models.ChatMessage) {
	f.mu.Lock()
	if f.history == nil {
		f.history = make(map[string][]models.ChatMessage)
	}
	f.history[chatID] = msgs
	f.mu.Unlock()
}

// SetHistoryError makes FetchRecentMessages fail.
func (f *FakeTransport) SetHistoryError(err error) {
	f.mu.Lock()
	f.historyErr = err
	f.mu.Unlock()
}

// ForceLoads returns the chats history backfill was requested for.
func (f *FakeTransport) ForceLoads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forceLoads...)
}

// Stops returns how many times Stop was called.
func (f *FakeTransport) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *FakeTransport) events() transport.EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Ready marks the transport connected and emits OnReady.
func (f *FakeTransport) Ready() {
	f.SetConnected(true)
	f.events().OnReady()
}

// Pair emits a pairing challenge.
func (f *FakeTransport) Pair(code string) {
	f.events().OnPairingChallenge(code)
}

// Paired emits a pairing success with the device id.
func (f *FakeTransport) Paired(deviceJID string) {
	f.events().OnPaired(deviceJID)
}

// Disconnect marks the transport disconnected and emits OnDisconnected.
func (f *FakeTransport) Disconnect(reason string) {
	f.SetConnected(false)
	f.events().OnDisconnected(reason)
}

// AuthFail emits an authentication failure.
func (f *FakeTransport) AuthFail(reason string) {
	f.SetConnected(false)
	f.events().OnAuthFailure(reason)
}

// Deliver emits an inbound message.
func (f *FakeTransport) Deliver(msg models.ChatMessage) {
	f.events().OnMessage(msg)
}

// FakeFactory builds FakeTransports and remembers them in creation order.
type FakeFactory struct {
	mu         sync.Mutex
	transports []*FakeTransport
	newErr     error
	startErrs  []error
	onStart    func(*FakeTransport)
	setup      func(*FakeTransport)
}

// NewFakeFactory returns a factory whose transports do nothing on Start.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{}
}

// OnStart sets a hook run when a created transport starts successfully, e.g. (*FakeTransport).Ready.
func (f *FakeFactory) OnStart(fn func(*FakeTransport)) {
	f.mu.Lock()
	f.onStart = fn
	f.mu.Unlock()
}

// Setup sets a hook applied to each transport before it is returned.
func (f *FakeFactory) Setup(fn func(*FakeTransport)) {
	f.mu.Lock()
	f.setup = fn
	f.mu.Unlock()
}

// FailNew makes New return err.
func (f *FakeFactory) FailNew(err error) {
	f.mu.Lock()
	f.newErr = err
	f.mu.Unlock()
}

// FailStarts makes the next len(errs) transports fail Start with the given errors in order.
func (f *FakeFactory) FailStarts(errs ...error) {
	f.mu.Lock()
	f.startErrs = append(f.startErrs, errs...)
	f.mu.Unlock()
}

// New implements transport.Factory.
func (f *FakeFactory) New(userID, deviceJID string, handler transport.EventHandler) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	t := &FakeTransport{UserID: userID, DeviceJID: deviceJID, handler: handler, onStart: f.onStart}
	if len(f.startErrs) > 0 {
		t.startErr = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	if f.setup != nil {
		f.setup(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

// Count returns how many transports were created.
func (f *FakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Last returns the most recently created transport, nil if none.
func (f *FakeFactory) Last() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// ForUser returns the most recent transport created for userID.
func (f *FakeFactory) ForUser(userID string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.transports) - 1; i >= 0; i-- {
		if f.transports[i].UserID == userID {
			return f.transports[i]
		}
	}
	return nil
}

// ClassifyCall is one recorded classifier invocation.
type ClassifyCall struct {
	Text         string
	GroupContext string
	Timestamp    time.Time
}

// FakeClassifier returns a fixed verdict or error, or the result of Fn when set.
type FakeClassifier struct {
	Verdict models.Verdict
	Err     error
	Fn      func(text string) (models.Verdict, error)
	Delay   time.Duration

	mu    sync.Mutex
	calls []ClassifyCall
}

func (c *FakeClassifier) Classify(ctx context.Context, text, groupContext string, ts time.Time) (models.Verdict, error) {
	c.mu.Lock()
	c.calls = append(c.calls, ClassifyCall{Text: text, GroupContext: groupContext, Timestamp: ts})
	c.mu.Unlock()
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return models.Verdict{}, ctx.Err()
		}
	}
	if c.Fn != nil {
		return c.Fn(text)
	}
	return c.Verdict, c.Err
}

// Calls returns the recorded invocations.
func (c *FakeClassifier) Calls() []ClassifyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClassifyCall(nil), c.calls...)
}

// Notice is one recorded out-of-band notice.
type Notice struct {
	UserID   string
	Text     string
	Priority models.NotificationPriority
}

// FakeNotifier records alert dispatches and notices.
type FakeNotifier struct {
	AlertErr error

	mu      sync.Mutex
	alerts  []models.Alert
	notices []Notice
}

func (n *FakeNotifier) DispatchAlert(ctx context.Context, alert models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.AlertErr
}

func (n *FakeNotifier) NotifyUser(ctx context.Context, userID, text string, priority models.NotificationPriority) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, Notice{UserID: userID, Text: text, Priority: priority})
	return nil
}

// Alerts returns the dispatched alerts.
func (n *FakeNotifier) Alerts() []models.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Alert(nil), n.alerts...)
}

// Notices returns the recorded notices.
func (n *FakeNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// ErrSendFailed is the default error returned by a failing FakeSender.
var ErrSendFailed = errors.New("send failed")

// SentMessage is one recorded outbound send.
type SentMessage struct {
	Phone string
	Text  string
}

// FakeSender records outbound sends. Failures, when set, fail the next sends in order;
// FailAll fails every send.
type FakeSender struct {
	FailAll bool

	mu       sync.Mutex
	sent     []SentMessage
	attempts int
	failures []error
}

// FailNext makes the next n sends fail with ErrSendFailed.
func (s *FakeSender) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, ErrSendFailed)
	}
}

func (s *FakeSender) Send(ctx context.Context, phone, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.FailAll {
		return "", ErrSendFailed
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	s.sent = append(s.sent, SentMessage{Phone: phone, Text: text})
	return fmt.Sprintf("msg-%d", s.attempts), nil
}

// Attempts returns how many sends were attempted.
func (s *FakeSender) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Sent returns the successful sends.
func (s *FakeSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
