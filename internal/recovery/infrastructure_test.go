package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/delivery"
	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/testutil"
)

type fakeReprocessor struct{ calls int }

func (f *fakeReprocessor) ReprocessPending(ctx context.Context) (int, error) {
	f.calls++
	return 3, nil
}

func TestStartupRecovery(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	later := func() time.Time { return now.Add(time.Hour) }

	// An outbound entry claimed by a process that then died.
	if _, err := st.EnqueueOutbound(ctx, models.OutboundQueueEntry{
		UserID: "u1", MessageType: models.MessageTypeAlert, Content: "urgent",
		ScheduledFor: now.Add(-time.Minute), Status: models.QueueStatusPending,
	}); err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	claimed, err := st.ClaimDueOutbound(ctx, now, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueOutbound = %v, %v", claimed, err)
	}

	// A scan request left processing.
	g, err := st.UpsertGroup(ctx, "u1", "120363000000000001@g.us", "Class 3B Parents")
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	scanID, err := st.CreateScanRequest(ctx, g.ID)
	if err != nil {
		t.Fatalf("CreateScanRequest: %v", err)
	}
	if ok, err := st.MarkScanProcessing(ctx, scanID); err != nil || !ok {
		t.Fatalf("MarkScanProcessing = %v, %v", ok, err)
	}

	mgr := delivery.NewManager(st, &testutil.FakeSender{}, delivery.WithClock(later))
	rp := &fakeReprocessor{}
	rm := NewRecoveryManager()
	rm.RegisterRecoverable(OutboundRecovery(mgr, DefaultStaleAfter))
	rm.RegisterRecoverable(ScanRecovery(st, DefaultStaleAfter, later))
	rm.RegisterRecoverable(InboundRecovery(rp))

	results, err := rm.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	want := map[string]int{ComponentOutbound: 1, ComponentScans: 1, ComponentInbound: 3}
	for _, r := range results {
		if r.Recovered != want[r.Name] {
			t.Errorf("%s recovered %d, want %d", r.Name, r.Recovered, want[r.Name])
		}
	}

	entry, err := st.GetOutbound(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("GetOutbound: %v", err)
	}
	if entry.Status != models.QueueStatusPending {
		t.Errorf("outbound status = %q, want pending", entry.Status)
	}
	req, err := st.GetScanRequest(ctx, scanID)
	if err != nil {
		t.Fatalf("GetScanRequest: %v", err)
	}
	if req.Status != models.ScanStatusPending || req.StartedAt != nil {
		t.Errorf("scan request = %+v, want pending", req)
	}
}

func TestRecoveryLeavesFreshWork(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	g, _ := st.UpsertGroup(ctx, "u1", "chat@g.us", "Chat")
	scanID, _ := st.CreateScanRequest(ctx, g.ID)
	if _, err := st.MarkScanProcessing(ctx, scanID); err != nil {
		t.Fatal(err)
	}

	n, err := ScanRecovery(st, DefaultStaleAfter, nil).RecoverState(ctx)
	if err != nil || n != 0 {
		t.Errorf("RecoverState = %d, %v; want 0", n, err)
	}
}
