package wa

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/status"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

func historyEntry(id string, body string, ts uint64) *waHistorySync.HistorySyncMsg {
	return &waHistorySync.HistorySyncMsg{
		Message: &waWeb.WebMessageInfo{
			Key: &waCommon.MessageKey{
				ID:     &id,
				FromMe: boolPtr(false),
			},
			Message:          &waE2E.Message{Conversation: &body},
			MessageTimestamp: &ts,
		},
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
func u32Ptr(v uint32) *uint32 { return &v }

func TestHandleHistorySyncPublishesDelivery(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	machine := status.NewMachine(nil)
	h := NewEventHandler(b, machine, nil, zap.NewNop())

	h.handleHistorySync(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			SyncType: waHistorySync.HistorySync_INITIAL_BOOTSTRAP.Enum(),
			Conversations: []*waHistorySync.Conversation{
				{
					ID:          strPtr("558500000001@s.whatsapp.net"),
					Name:        strPtr("Alice"),
					UnreadCount: u32Ptr(2),
					Messages: []*waHistorySync.HistorySyncMsg{
						historyEntry("m1", "first", 100),
						historyEntry("m2", "second", 200),
						{}, // undecodable entry, must be dropped, not fatal
					},
				},
			},
		},
	})

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindHistoryDelivery {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindHistoryDelivery)
		}
		delivery, ok := evt.Payload.(*HistoryDelivery)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if !delivery.IsFinal {
			t.Error("initial bootstrap delivery should be final")
		}
		if delivery.SyncID == "" {
			t.Error("delivery has no sync id")
		}
		if len(delivery.Chats) != 1 {
			t.Fatalf("got %d chats, want 1", len(delivery.Chats))
		}
		dc := delivery.Chats[0]
		if dc.Name != "Alice" || dc.UnreadCount != 2 {
			t.Errorf("chat = %+v", dc)
		}
		if len(dc.Messages) != 2 {
			t.Errorf("got %d messages, want 2 (bad entry dropped)", len(dc.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for history delivery")
	}
}

func TestHandleHistorySyncProgress(t *testing.T) {
	tests := []struct {
		name      string
		syncType  waHistorySync.HistorySync_HistorySyncType
		progress  uint32
		wantFinal bool
	}{
		{"recent mid-wave", waHistorySync.HistorySync_RECENT, 40, false},
		{"recent complete", waHistorySync.HistorySync_RECENT, 100, true},
		{"full mid-wave", waHistorySync.HistorySync_FULL, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.New()
			ch, unsub := b.Subscribe("wa.", 10)
			defer unsub()

			h := NewEventHandler(b, status.NewMachine(nil), nil, zap.NewNop())
			h.handleHistorySync(&events.HistorySync{
				Data: &waHistorySync.HistorySync{
					SyncType: tt.syncType.Enum(),
					Progress: u32Ptr(tt.progress),
					Conversations: []*waHistorySync.Conversation{
						{ID: strPtr("c@s.whatsapp.net"), Messages: []*waHistorySync.HistorySyncMsg{historyEntry("m", "x", 1)}},
					},
				},
			})

			select {
			case evt := <-ch:
				if got := evt.Payload.(*HistoryDelivery).IsFinal; got != tt.wantFinal {
					t.Errorf("IsFinal = %v, want %v", got, tt.wantFinal)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout")
			}
		})
	}
}

func TestHandleMessagePublishesNormalized(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	machine := status.NewMachine(nil)
	walkMachine(t, machine, status.Connecting, status.Syncing)

	h := NewEventHandler(b, machine, nil, zap.NewNop())
	body := "live one"
	h.handleMessage(&events.Message{
		Info: types.MessageInfo{
			ID:        "L1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: types.DefaultUserServer},
				Sender: types.JID{User: "s", Server: types.DefaultUserServer},
			},
		},
		Message: &waE2E.Message{Conversation: &body},
	})

	// First live message after sync flips the machine to READY.
	if machine.Current() != status.Ready {
		t.Errorf("state = %s, want READY", machine.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindLiveMessage {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindLiveMessage)
		}
		parsed := evt.Payload.(*ParsedMessage)
		if parsed.MsgID != "L1" || parsed.Body != "live one" {
			t.Errorf("parsed = %+v", parsed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestHandleChatPresence(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	h := NewEventHandler(b, status.NewMachine(nil), nil, zap.NewNop())
	h.handleChatPresence(&events.ChatPresence{
		MessageSource: types.MessageSource{
			Chat: types.JID{User: "c", Server: types.DefaultUserServer},
		},
		State: types.ChatPresenceComposing,
	})

	select {
	case evt := <-ch:
		p := evt.Payload.(*PresenceEvent)
		if !p.Typing {
			t.Error("composing should map to typing=true")
		}
		if p.ChatJID != "c@s.whatsapp.net" {
			t.Errorf("ChatJID = %q", p.ChatJID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestDeliveredChatToStoreChat(t *testing.T) {
	dc := &DeliveredChat{
		JID:         "120363123456@g.us",
		Name:        "Team",
		UnreadCount: 3,
		Messages: []*ParsedMessage{
			{MsgID: "a", Body: "older", MessageType: "text", SenderName: "A", Timestamp: 100},
			{MsgID: "b", Body: "newest", MessageType: "image", SenderName: "B", Timestamp: 300},
			{MsgID: "c", Body: "middle", MessageType: "text", SenderName: "C", Timestamp: 200},
		},
	}

	c := dc.ToStoreChat()
	if !c.IsGroup {
		t.Error("g.us JID should be a group")
	}
	if c.LastMessageAt != 300 || c.LastMessagePreview != "newest" || c.LastMessageSender != "B" {
		t.Errorf("summary = %+v, want newest message fields", c)
	}
	if c.UnreadCount != 3 {
		t.Errorf("UnreadCount = %d, want 3", c.UnreadCount)
	}
}

func TestHandleQRPublishesCode(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	// Re-pairing mid-run: the client reconnects with wiped credentials and
	// surfaces the code as an event rather than through the boot channel.
	machine := status.NewMachine(nil)
	walkMachine(t, machine, status.Connecting)

	h := NewEventHandler(b, machine, nil, zap.NewNop())
	h.Handle(&events.QR{Codes: []string{"code-1", "code-2"}})

	if machine.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", machine.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindQRGenerated {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindQRGenerated)
		}
		if code, _ := evt.Payload.(string); code != "code-1" {
			t.Errorf("payload = %v, want first code", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for qr event")
	}
}

func TestHandleQRIgnoresEmptyCodes(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	machine := status.NewMachine(nil)
	walkMachine(t, machine, status.Connecting)

	h := NewEventHandler(b, machine, nil, zap.NewNop())
	h.Handle(&events.QR{})

	if machine.Current() != status.Connecting {
		t.Errorf("state = %s, want CONNECTING unchanged", machine.Current())
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeLIDResolver struct{}

func (fakeLIDResolver) ResolveLID(_ context.Context, jid types.JID) types.JID {
	if jid.Server == types.HiddenUserServer {
		return types.JID{User: "5585" + jid.User, Server: types.DefaultUserServer}
	}
	return jid
}

func TestHandleMessageResolvesLIDJIDs(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	machine := status.NewMachine(nil)
	walkMachine(t, machine, status.Connecting, status.Syncing, status.Ready)

	h := NewEventHandler(b, machine, fakeLIDResolver{}, zap.NewNop())
	body := "from lid"
	h.handleMessage(&events.Message{
		Info: types.MessageInfo{
			ID:        "L2",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "1111", Server: types.HiddenUserServer},
				Sender: types.JID{User: "1111", Server: types.HiddenUserServer},
			},
		},
		Message: &waE2E.Message{Conversation: &body},
	})

	select {
	case evt := <-ch:
		parsed := evt.Payload.(*ParsedMessage)
		if parsed.ChatJID != "55851111@s.whatsapp.net" {
			t.Errorf("ChatJID = %q, want resolved phone JID", parsed.ChatJID)
		}
		if parsed.SenderJID != "55851111@s.whatsapp.net" {
			t.Errorf("SenderJID = %q, want resolved phone JID", parsed.SenderJID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 99) + "éé"
	got := truncate(s, 100)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if len(got) != 99 {
		t.Errorf("len = %d, want 99 (cut backed off the split rune)", len(got))
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("short string altered: %q", got)
	}
}
