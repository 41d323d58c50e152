package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/testutil"
	"github.com/BTreeMap/GroupPulse/internal/worker"
)

func TestUrgentGroupMessageReachesTransportInSamePass(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, optedIn("u1"))
	classifier := &testutil.FakeClassifier{Verdict: models.Verdict{
		Category:           models.CategoryEvent,
		Urgency:            8,
		ActionRequired:     true,
		Summary:            "Parents meeting tomorrow at 18:00",
		SendImmediateAlert: true,
	}}
	w := worker.New("u1", f.store, testutil.NewFakeFactory(), classifier, f.mgr)
	defer w.Stop()

	ok, err := w.HandleMessage(context.Background(), models.ChatMessage{
		ID:        "3EB0A1B2C3",
		ChatID:    "120363000000000002@g.us",
		ChatName:  "Grade 2 Parents",
		IsGroup:   true,
		SenderID:  "972500000002@s.whatsapp.net",
		Text:      "פגישת הורים מחר בשעה 18:00",
		Timestamp: weekday.Add(-time.Minute),
	})
	if err != nil || !ok {
		t.Fatalf("HandleMessage: ok=%v err=%v", ok, err)
	}

	if f.sender.Attempts() != 1 {
		t.Fatalf("transport attempts = %d, want 1", f.sender.Attempts())
	}
	if unsent, _ := f.store.ListUnsentAlerts(context.Background(), 10); len(unsent) != 0 {
		t.Errorf("unsent alerts = %d, want 0", len(unsent))
	}
	journal := f.outbound(t, "u1")
	if len(journal) != 1 || journal[0].MessageType != models.MessageTypeAlert || journal[0].Status != models.QueueStatusSent {
		t.Errorf("journal = %+v", journal)
	}
}
