package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/BTreeMap/GroupPulse/internal/testutil"
	"github.com/BTreeMap/GroupPulse/internal/transport"
)

const testUser = "user-1"

type harness struct {
	store      store.Store
	factory    *testutil.FakeFactory
	classifier *testutil.FakeClassifier
	notifier   *testutil.FakeNotifier
	worker     *Worker
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewSQLiteStore(t),
		factory: testutil.NewFakeFactory(),
		classifier: &testutil.FakeClassifier{Verdict: models.Verdict{
			Category: models.CategoryOther,
			Urgency:  2,
			Summary:  "chatter",
		}},
		notifier: &testutil.FakeNotifier{},
	}
	opts = append([]Option{
		WithOwnerID("owner-a"),
		WithHeartbeatInterval(time.Hour),
		WithReconnectPolicy(time.Millisecond, 3),
		WithReadyTimeout(200 * time.Millisecond),
	}, opts...)
	h.worker = New(testUser, h.store, h.factory, h.classifier, h.notifier, opts...)
	t.Cleanup(func() { _ = h.worker.Stop() })
	return h
}

func (h *harness) session(t *testing.T) *models.WorkerSession {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func groupMsg(id, text string) models.ChatMessage {
	return models.ChatMessage{
		ID:         id,
		ChatID:     "120363000000000001@g.us",
		ChatName:   "Class 3B Parents",
		IsGroup:    true,
		SenderID:   "972500000001@s.whatsapp.net",
		SenderName: "Dana",
		Text:       text,
		Timestamp:  time.Now().UTC().Add(-time.Minute),
	}
}

func TestBackoffDelaysStrictlyIncrease(t *testing.T) {
	b := Backoff{Base: time.Second, MaxAttempts: 5}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var state RetryState
	var prev time.Duration
	for i := 1; i <= 5; i++ {
		next, ok := b.Next(state, now)
		if !ok {
			t.Fatalf("attempt %d: unexpected ceiling", i)
		}
		if next.Attempt != i {
			t.Errorf("attempt = %d, want %d", next.Attempt, i)
		}
		delay := next.NextEligible.Sub(now)
		if delay <= prev {
			t.Errorf("attempt %d: delay %v not greater than %v", i, delay, prev)
		}
		if delay != b.Delay(i) {
			t.Errorf("attempt %d: delay %v, want %v", i, delay, b.Delay(i))
		}
		prev = delay
		state = next
	}
	if _, ok := b.Next(state, now); ok {
		t.Error("expected ceiling after max attempts")
	}
	if state.Attempt != 5 {
		t.Errorf("previous state mutated: attempt = %d", state.Attempt)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, MaxAttempts: 4}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStartReadyConnects(t *testing.T) {
	h := newHarness(t)
	h.factory.Setup(func(ft *testutil.FakeTransport) {
		ft.SetGroups(transport.GroupInfo{ChatID: "120363000000000001@g.us", Name: "Class 3B Parents"})
	})
	h.factory.OnStart((*testutil.FakeTransport).Ready)

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.worker.Status(); got != models.SessionStatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}
	s := h.session(t)
	if s.Status != models.SessionStatusConnected {
		t.Errorf("persisted status = %q, want connected", s.Status)
	}
	if s.OwnerWorkerID != "owner-a" {
		t.Errorf("owner = %q, want owner-a", s.OwnerWorkerID)
	}
	if s.LastHeartbeat == nil {
		t.Error("expected heartbeat on ready")
	}
	if s.QRPayload != nil || s.ErrorMessage != nil {
		t.Error("expected qr and error cleared")
	}

	h.worker.groupsMu.Lock()
	_, synced := h.worker.groups["120363000000000001@g.us"]
	h.worker.groupsMu.Unlock()
	if !synced {
		t.Error("expected group sync on ready")
	}
}

func TestPairingFlow(t *testing.T) {
	h := newHarness(t)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := h.session(t); s.Status != models.SessionStatusConnecting {
		t.Fatalf("status = %q, want connecting", s.Status)
	}

	ft := h.factory.Last()
	ft.Pair("2@abc,def,ghi")
	s := h.session(t)
	if s.Status != models.SessionStatusQRRequired {
		t.Fatalf("status = %q, want qr_required", s.Status)
	}
	if s.QRPayload == nil || *s.QRPayload != "2@abc,def,ghi" {
		t.Errorf("qr payload = %v", s.QRPayload)
	}

	ft.Paired("972500000009:3@s.whatsapp.net")
	ft.Ready()
	s = h.session(t)
	if s.Status != models.SessionStatusConnected {
		t.Errorf("status = %q, want connected", s.Status)
	}
	if s.QRPayload != nil {
		t.Error("expected qr payload cleared after ready")
	}
	if s.DeviceJID != "972500000009:3@s.whatsapp.net" {
		t.Errorf("device jid = %q", s.DeviceJID)
	}
}

func TestDisconnectFromConnected(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.factory.Last().Disconnect("stream closed")

	if got := h.worker.Status(); got != models.SessionStatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	s := h.session(t)
	if s.Status != models.SessionStatusDisconnected {
		t.Errorf("persisted status = %q", s.Status)
	}
	if s.ErrorMessage == nil || *s.ErrorMessage != "stream closed" {
		t.Errorf("error message = %v", s.ErrorMessage)
	}
	if n := len(h.notifier.Notices()); n != 1 {
		t.Errorf("notices = %d, want 1", n)
	}
}

func TestAuthFailureRequiresReauth(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ft := h.factory.Last()
	ft.AuthFail("logged out from another device")
	ft.Disconnect("after logout")

	if got := h.worker.Status(); got != models.SessionStatusManualReauth {
		t.Fatalf("status = %q, want manual_reauth_required", got)
	}
	notices := h.notifier.Notices()
	if len(notices) != 1 || notices[0].Priority != models.NotificationPriorityHigh {
		t.Errorf("notices = %+v", notices)
	}
	if err := h.worker.Reconnect(context.Background()); !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Errorf("Reconnect after reauth = %v, want ErrMaxReconnectAttempts", err)
	}
}

func TestReconnectExhaustsToManualReauth(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("dial failed")
	h.factory.FailStarts(boom, boom, boom)

	err := h.worker.Reconnect(context.Background())
	if !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Fatalf("Reconnect = %v, want ErrMaxReconnectAttempts", err)
	}
	if h.factory.Count() != 3 {
		t.Errorf("transports created = %d, want 3", h.factory.Count())
	}
	if got := h.worker.Status(); got != models.SessionStatusManualReauth {
		t.Errorf("status = %q, want manual_reauth_required", got)
	}
	if s := h.session(t); s.Status != models.SessionStatusManualReauth {
		t.Errorf("persisted status = %q", s.Status)
	}
	if len(h.notifier.Notices()) == 0 {
		t.Error("expected a re-pairing notice")
	}

	// No further automatic attempts.
	if err := h.worker.Reconnect(context.Background()); !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Errorf("second Reconnect = %v", err)
	}
	if h.factory.Count() != 3 {
		t.Errorf("transports created after ceiling = %d, want 3", h.factory.Count())
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.factory.FailStarts(errors.New("dial failed"))
	h.factory.OnStart((*testutil.FakeTransport).Ready)

	if err := h.worker.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if h.factory.Count() != 2 {
		t.Errorf("transports created = %d, want 2", h.factory.Count())
	}
	if got := h.worker.RetryState(); got.Attempt != 0 {
		t.Errorf("retry attempt = %d, want 0", got.Attempt)
	}
	if got := h.worker.Status(); got != models.SessionStatusConnected {
		t.Errorf("status = %q, want connected", got)
	}
	if n := len(h.notifier.Notices()); n != 0 {
		t.Errorf("notices during reconnect = %d, want 0", n)
	}
}

func TestReconnectIsSingleFlight(t *testing.T) {
	h := newHarness(t, WithReadyTimeout(5*time.Second))

	done := make(chan error, 1)
	go func() { done <- h.worker.Reconnect(context.Background()) }()
	testutil.Eventually(t, time.Second, func() bool { return h.factory.Count() == 1 }, "first attempt started")

	if err := h.worker.Reconnect(context.Background()); !errors.Is(err, ErrReconnectInProgress) {
		t.Errorf("concurrent Reconnect = %v, want ErrReconnectInProgress", err)
	}
	if err := h.worker.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Reconnect after stop = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not return after stop")
	}
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	old := h.factory.Last()
	if err := h.worker.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if old.Stops() == 0 {
		t.Error("expected previous transport stopped")
	}

	old.Disconnect("late event")
	if got := h.worker.Status(); got != models.SessionStatusConnected {
		t.Errorf("status = %q after stale event, want connected", got)
	}
}

func TestHeartbeatRestoresUnstable(t *testing.T) {
	h := newHarness(t, WithHeartbeatInterval(10*time.Millisecond))
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.worker.LastHeartbeat()

	testutil.Eventually(t, time.Second, func() bool {
		return h.worker.LastHeartbeat().After(first)
	}, "heartbeat advanced")

	ft := h.factory.Last()
	ft.SetConnected(false)
	time.Sleep(30 * time.Millisecond)
	if !h.worker.MarkUnstable(context.Background()) {
		t.Fatal("MarkUnstable returned false for connected worker")
	}
	if got := h.worker.Status(); got != models.SessionStatusUnstable {
		t.Fatalf("status = %q, want unstable", got)
	}
	if h.worker.MarkUnstable(context.Background()) {
		t.Error("MarkUnstable on unstable worker should return false")
	}

	ft.SetConnected(true)
	testutil.Eventually(t, time.Second, func() bool {
		return h.worker.Status() == models.SessionStatusConnected
	}, "heartbeat restored connected")
}

func TestStopPersistsDisconnected(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft := h.factory.Last()
	if err := h.worker.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.worker.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if ft.Stops() != 1 {
		t.Errorf("transport stops = %d, want 1", ft.Stops())
	}
	if s := h.session(t); s.Status != models.SessionStatusDisconnected {
		t.Errorf("persisted status = %q, want disconnected", s.Status)
	}
	if err := h.worker.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestStartFailureMarksDisconnected(t *testing.T) {
	h := newHarness(t)
	h.factory.FailNew(errors.New("device store unavailable"))

	if err := h.worker.Start(context.Background()); err == nil {
		t.Fatal("expected Start error")
	}
	s := h.session(t)
	if s.Status != models.SessionStatusDisconnected || s.ErrorMessage == nil {
		t.Errorf("session = %+v", s)
	}
}

func TestLiveMessagesAreIngested(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.factory.Last().Deliver(groupMsg("live-1", "Bring a hat tomorrow"))
	testutil.Eventually(t, time.Second, func() bool {
		msgs, err := h.store.ListClassifiedSince(context.Background(), testUser, time.Time{})
		return err == nil && len(msgs) == 1
	}, "live message classified")
}

func TestScanHistoryRequiresConnection(t *testing.T) {
	h := newHarness(t)
	if _, err := h.worker.ScanHistory(context.Background(), "g_missing", 10); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ScanHistory = %v, want ErrNotConnected", err)
	}
}

func TestScanHistoryCountsNewMessages(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	seen := groupMsg("h-1", "already here")
	if ok, err := h.worker.HandleMessage(ctx, seen); err != nil || !ok {
		t.Fatalf("HandleMessage: ok=%v err=%v", ok, err)
	}
	mine := groupMsg("h-2", "my own message")
	mine.FromMe = true
	fresh := groupMsg("h-3", "new homework posted")

	ft := h.factory.Last()
	ft.SetHistory(seen.ChatID, seen, mine, fresh)

	group, err := h.store.UpsertGroup(ctx, testUser, seen.ChatID, "")
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	n, err := h.worker.ScanHistory(ctx, group.ID, 50)
	if err != nil {
		t.Fatalf("ScanHistory: %v", err)
	}
	if n != 1 {
		t.Errorf("new messages = %d, want 1", n)
	}
	if loads := ft.ForceLoads(); len(loads) != 1 || loads[0] != seen.ChatID {
		t.Errorf("force loads = %v", loads)
	}

	n, err = h.worker.ScanHistory(ctx, group.ID, 50)
	if err != nil || n != 0 {
		t.Errorf("repeat scan = %d, %v; want 0, nil", n, err)
	}
}

func TestScanHistoryCountsUnclassifiedMessages(t *testing.T) {
	h := newHarness(t)
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()
	h.classifier.Err = errors.New("rate limited")

	msg := groupMsg("h-9", "bring costumes on Purim")
	h.factory.Last().SetHistory(msg.ChatID, msg)
	group, err := h.store.UpsertGroup(ctx, testUser, msg.ChatID, "")
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	n, err := h.worker.ScanHistory(ctx, group.ID, 50)
	if err != nil || n != 1 {
		t.Fatalf("ScanHistory = %d, %v; want 1, nil", n, err)
	}
	pending, err := h.store.ListUnprocessedInbound(ctx, testUser, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListUnprocessedInbound: %v", err)
	}
	if len(pending) != 1 || pending[0].ClassificationErr != "rate limited" {
		t.Errorf("unprocessed = %+v", pending)
	}
}

func TestScanAndLiveIngestionDedup(t *testing.T) {
	h := newHarness(t, WithMaxInFlight(8))
	h.factory.OnStart((*testutil.FakeTransport).Ready)
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	var msgs []models.ChatMessage
	for i := 0; i < 10; i++ {
		msgs = append(msgs, groupMsg(fmt.Sprintf("m-%d", i), fmt.Sprintf("message %d", i)))
	}
	ft := h.factory.Last()
	ft.SetHistory(msgs[0].ChatID, msgs...)
	group, err := h.store.UpsertGroup(ctx, testUser, msgs[0].ChatID, "")
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m models.ChatMessage) {
			defer wg.Done()
			if _, err := h.worker.HandleMessage(ctx, m); err != nil {
				t.Errorf("HandleMessage: %v", err)
			}
		}(m)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.worker.ScanHistory(ctx, group.ID, 50); err != nil {
			t.Errorf("ScanHistory: %v", err)
		}
	}()
	wg.Wait()

	stored, err := h.store.ListClassifiedSince(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("ListClassifiedSince: %v", err)
	}
	if len(stored) != len(msgs) {
		t.Errorf("stored = %d, want %d", len(stored), len(msgs))
	}
	if calls := len(h.classifier.Calls()); calls != len(msgs) {
		t.Errorf("classifier calls = %d, want %d", calls, len(msgs))
	}
}
