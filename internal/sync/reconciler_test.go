package sync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/matheus3301/wabd/internal/wa"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testReconciler(t *testing.T, db *store.DB) (*Reconciler, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return NewReconciler(db, b, zap.NewNop()), b
}

func pm(chat, id string, ts int64) *wa.ParsedMessage {
	return &wa.ParsedMessage{
		ChatJID:     chat,
		MsgID:       id,
		SenderJID:   "sender@s.whatsapp.net",
		SenderName:  "Sender",
		Body:        "body of " + id,
		MessageType: "text",
		Timestamp:   ts,
	}
}

func TestFirstDeliveryEstablishesBaseline(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db)
	now := time.UnixMilli(5_000_000)
	r.now = func() time.Time { return now }

	chat := "a@s.whatsapp.net"
	result := r.ProcessDelivery(&wa.HistoryDelivery{
		SyncID: "s1",
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Name:     "Alice",
			Messages: []*wa.ParsedMessage{pm(chat, "m2", 200), pm(chat, "m1", 100), pm(chat, "m3", 300)},
		}},
	})

	if result.ChatsNew != 1 || result.MessagesPersisted != 3 {
		t.Fatalf("result = %+v, want 1 new chat, 3 persisted", result)
	}

	cursors, err := db.GetChatCursors(chat)
	if err != nil {
		t.Fatal(err)
	}
	if !cursors.HistoryBaselineAt.Valid || cursors.HistoryBaselineAt.Int64 != 100 {
		t.Errorf("baseline = %+v, want 100", cursors.HistoryBaselineAt)
	}
	if !cursors.LastSyncedAt.Valid || cursors.LastSyncedAt.Int64 != now.UnixMilli() {
		t.Errorf("last_synced = %+v, want %d", cursors.LastSyncedAt, now.UnixMilli())
	}

	msgs, err := db.ListMessagesPage(chat, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Provenance != store.ProvenanceInitialSync {
			t.Errorf("message %s provenance = %q, want %q", m.MsgID, m.Provenance, store.ProvenanceInitialSync)
		}
	}
}

func TestProgressiveDeliveryFiltersByCursor(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db)
	chat := "a@s.whatsapp.net"

	t1 := time.UnixMilli(1_000_000)
	r.now = func() time.Time { return t1 }
	r.ProcessDelivery(&wa.HistoryDelivery{
		SyncID: "s1",
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Messages: []*wa.ParsedMessage{pm(chat, "m1", 100), pm(chat, "m2", 200)},
		}},
	})

	// A later delivery re-sends the old messages alongside one genuinely
	// new one; only the new one should land.
	t2 := time.UnixMilli(3_000_000)
	r.now = func() time.Time { return t2 }
	result := r.ProcessDelivery(&wa.HistoryDelivery{
		SyncID: "s2",
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Messages: []*wa.ParsedMessage{pm(chat, "m1", 100), pm(chat, "m2", 200), pm(chat, "m3", 2_000_000)},
		}},
	})

	if result.ChatsKnown != 1 || result.MessagesPersisted != 1 || result.MessagesSkipped != 2 {
		t.Fatalf("result = %+v, want 1 known chat, 1 persisted, 2 skipped", result)
	}

	cursors, err := db.GetChatCursors(chat)
	if err != nil {
		t.Fatal(err)
	}
	if cursors.HistoryBaselineAt.Int64 != 100 {
		t.Errorf("baseline moved to %d, want 100 (write-once)", cursors.HistoryBaselineAt.Int64)
	}
	if cursors.LastSyncedAt.Int64 != t2.UnixMilli() {
		t.Errorf("last_synced = %d, want %d", cursors.LastSyncedAt.Int64, t2.UnixMilli())
	}

	msgs, err := db.ListMessagesPage(chat, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].MsgID != "m3" || msgs[0].Provenance != store.ProvenanceProgressiveSync {
		t.Errorf("newest message = %s/%s, want m3/%s", msgs[0].MsgID, msgs[0].Provenance, store.ProvenanceProgressiveSync)
	}
}

func TestReingestIsIdempotent(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db)
	chat := "a@s.whatsapp.net"

	delivery := &wa.HistoryDelivery{
		SyncID: "s1",
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Messages: []*wa.ParsedMessage{pm(chat, "m1", 100), pm(chat, "m2", 200)},
		}},
	}

	r.now = func() time.Time { return time.UnixMilli(1_000_000) }
	r.ProcessDelivery(delivery)
	r.now = func() time.Time { return time.UnixMilli(2_000_000) }
	result := r.ProcessDelivery(delivery)

	if result.MessagesPersisted != 0 || result.MessagesSkipped != 2 {
		t.Errorf("re-ingest result = %+v, want 0 persisted, 2 skipped", result)
	}
	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("message count = %d, want 2", count)
	}
}

func TestChatFailureIsIsolated(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db)
	r.now = func() time.Time { return time.UnixMilli(1_000_000) }

	// Make any write to chat c3 blow up at the store layer.
	_, err := db.Exec(`CREATE TRIGGER fail_c3 BEFORE INSERT ON chats
		WHEN NEW.jid = 'c3@s.whatsapp.net'
		BEGIN SELECT RAISE(ABORT, 'simulated store failure'); END`)
	if err != nil {
		t.Fatal(err)
	}

	delivery := &wa.HistoryDelivery{SyncID: "s1"}
	for _, jid := range []string{"c1@s.whatsapp.net", "c2@s.whatsapp.net", "c3@s.whatsapp.net", "c4@s.whatsapp.net", "c5@s.whatsapp.net"} {
		delivery.Chats = append(delivery.Chats, wa.DeliveredChat{
			JID:      jid,
			Messages: []*wa.ParsedMessage{pm(jid, "m-"+jid, 100)},
		})
	}

	result := r.ProcessDelivery(delivery)
	if result.ChatsProcessed != 4 || result.ChatsFailed != 1 {
		t.Fatalf("result = %+v, want 4 processed, 1 failed", result)
	}

	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("message count = %d, want 4", count)
	}
	if c, _ := db.GetChat("c3@s.whatsapp.net"); c != nil {
		t.Error("failed chat should not have been persisted")
	}
	if c, _ := db.GetChat("c4@s.whatsapp.net"); c == nil {
		t.Error("chat after the failed one should still be persisted")
	}
}

func TestMessageFailureIsIsolated(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db)
	now := time.UnixMilli(1_000_000)
	r.now = func() time.Time { return now }

	// Make one specific message blow up at the store layer; its siblings
	// in the same chat must still land.
	_, err := db.Exec(`CREATE TRIGGER fail_m2 BEFORE INSERT ON messages
		WHEN NEW.msg_id = 'm2'
		BEGIN SELECT RAISE(ABORT, 'simulated store failure'); END`)
	if err != nil {
		t.Fatal(err)
	}

	chat := "a@s.whatsapp.net"
	result := r.ProcessDelivery(&wa.HistoryDelivery{
		SyncID: "s1",
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Messages: []*wa.ParsedMessage{pm(chat, "m1", 100), pm(chat, "m2", 200), pm(chat, "m3", 300)},
		}},
	})

	if result.ChatsProcessed != 1 || result.ChatsFailed != 0 {
		t.Fatalf("result = %+v, want the chat processed despite one bad message", result)
	}
	if result.MessagesPersisted != 2 || result.MessagesFailed != 1 {
		t.Fatalf("result = %+v, want 2 persisted, 1 failed", result)
	}

	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("message count = %d, want 2", count)
	}

	cursors, err := db.GetChatCursors(chat)
	if err != nil {
		t.Fatal(err)
	}
	if !cursors.HistoryBaselineAt.Valid || cursors.HistoryBaselineAt.Int64 != 100 {
		t.Errorf("baseline = %+v, want 100", cursors.HistoryBaselineAt)
	}
	if !cursors.LastSyncedAt.Valid || cursors.LastSyncedAt.Int64 != now.UnixMilli() {
		t.Errorf("last_synced = %+v, want cursor advanced", cursors.LastSyncedAt)
	}
}

func TestDeliveryPublishesCompletionEvents(t *testing.T) {
	db := testDB(t)
	r, b := testReconciler(t, db)
	r.now = func() time.Time { return time.UnixMilli(1_000_000) }

	events, unsub := b.Subscribe("sync.", 16)
	defer unsub()

	chat := "a@s.whatsapp.net"
	r.ProcessDelivery(&wa.HistoryDelivery{
		SyncID:  "s1",
		IsFinal: true,
		Chats: []wa.DeliveredChat{{
			JID:      chat,
			Messages: []*wa.ParsedMessage{pm(chat, "m1", 100)},
		}},
	})

	var gotStored, gotCompleted bool
	timeout := time.After(time.Second)
	for !gotStored || !gotCompleted {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindSyncHistoryStored:
				if evt.Payload.(string) != chat {
					t.Errorf("stored event chat = %v, want %s", evt.Payload, chat)
				}
				gotStored = true
			case bus.KindSyncPassCompleted:
				if !evt.Payload.(*PassResult).IsFinal {
					t.Error("pass-completed event should carry IsFinal")
				}
				gotCompleted = true
			}
		case <-timeout:
			t.Fatalf("missing events: stored=%v completed=%v", gotStored, gotCompleted)
		}
	}

	if _, ok, _ := db.GetSetting(store.SettingLastGlobalSync); !ok {
		t.Error("last global sync setting not recorded")
	}
}
