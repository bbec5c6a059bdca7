package wa

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/status"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// HistoryDelivery is one bulk-history batch, normalized. SyncID groups the
// log lines and provenance of one delivery; it has no lifecycle beyond that.
type HistoryDelivery struct {
	SyncID  string
	Chats   []DeliveredChat
	IsFinal bool
}

// DeliveredChat is one conversation inside a bulk delivery, with its most
// recent messages already decoded into the normalized form.
type DeliveredChat struct {
	JID         string
	Name        string
	UnreadCount int
	Archived    bool
	Messages    []*ParsedMessage
}

// PresenceEvent is a normalized chat presence (typing) change.
type PresenceEvent struct {
	ChatJID string
	Typing  bool
}

// LIDResolver maps LID JIDs to their phone-number JIDs. Satisfied by the
// adapter; nil disables resolution.
type LIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler processes whatsmeow events, drives the state machine,
// and publishes normalized domain events on the bus. It does NOT call the
// reconciler directly; the sync engine subscribes to the bus independently.
type EventHandler struct {
	bus      *bus.Bus
	machine  *status.Machine
	resolver LIDResolver
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, machine *status.Machine, resolver LIDResolver, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:      b,
		machine:  machine,
		resolver: resolver,
		logger:   logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.ChatPresence:
		h.handleChatPresence(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.QR:
		// Connecting with no stored credentials (including after a forced
		// logout wiped them) surfaces pairing here rather than through the
		// boot-time QR channel.
		h.handleQR(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting || current == status.Failed {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Publish(bus.Event{Kind: bus.KindConnected, Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.Event{Kind: bus.KindDisconnected, Timestamp: time.Now()})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Publish(bus.Event{Kind: bus.KindLoggedOut, Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	parsed := ParseLiveMessage(evt)
	if h.resolver != nil {
		// A LID-addressed live message must land in the same chat row as
		// its phone-JID history.
		ctx := context.Background()
		parsed.ChatJID = h.resolver.ResolveLID(ctx, evt.Info.Chat).ToNonAD().String()
		parsed.SenderJID = h.resolver.ResolveLID(ctx, evt.Info.Sender).ToNonAD().String()
	}
	h.bus.Publish(bus.Event{
		Kind:      bus.KindLiveMessage,
		Timestamp: time.Now(),
		Payload:   parsed,
	})
}

// handleQR drives re-pairing without a restart: the machine drops to
// AuthRequired and the code reaches the frontend the same way the boot-time
// flow delivers it.
func (h *EventHandler) handleQR(evt *events.QR) {
	if len(evt.Codes) == 0 {
		return
	}
	h.logger.Info("QR pairing required", zap.Int("codes", len(evt.Codes)))
	_ = h.machine.Transition(status.AuthRequired)
	h.bus.Publish(bus.Event{
		Kind:      bus.KindQRGenerated,
		Timestamp: time.Now(),
		Payload:   evt.Codes[0],
	})
}

func (h *EventHandler) handleChatPresence(evt *events.ChatPresence) {
	h.bus.Publish(bus.Event{
		Kind:      bus.KindPresence,
		Timestamp: time.Now(),
		Payload: &PresenceEvent{
			ChatJID: evt.Chat.ToNonAD().String(),
			Typing:  evt.State == types.ChatPresenceComposing,
		},
	})
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	syncType := data.GetSyncType()
	if syncType == waHistorySync.HistorySync_PUSH_NAME {
		// Push-name-only syncs carry no conversations.
		return
	}

	delivery := &HistoryDelivery{
		SyncID: uuid.New().String(),
		// The upstream reports delivery progress as a percentage; the initial
		// bootstrap batch carries none and is always a complete wave.
		IsFinal: syncType == waHistorySync.HistorySync_INITIAL_BOOTSTRAP || data.GetProgress() >= 100,
	}

	dropped := 0
	for _, conv := range data.GetConversations() {
		dc := DeliveredChat{
			JID:         NormalizeJID(conv.GetID()),
			Name:        conv.GetName(),
			UnreadCount: int(conv.GetUnreadCount()),
			Archived:    conv.GetArchived(),
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := ParseHistoryMessage(conv.GetID(), hm.GetMessage())
			if err != nil {
				dropped++
				continue
			}
			dc.Messages = append(dc.Messages, parsed)
		}
		delivery.Chats = append(delivery.Chats, dc)
	}

	if dropped > 0 {
		h.logger.Warn("undecodable history entries dropped",
			zap.String("sync_id", delivery.SyncID), zap.Int("dropped", dropped))
	}
	if len(delivery.Chats) == 0 {
		return
	}

	h.logger.Info("history delivery received",
		zap.String("sync_id", delivery.SyncID),
		zap.String("sync_type", syncType.String()),
		zap.Int("chats", len(delivery.Chats)),
		zap.Bool("final", delivery.IsFinal))

	h.bus.Publish(bus.Event{
		Kind:      bus.KindHistoryDelivery,
		Timestamp: time.Now(),
		Payload:   delivery,
	})
}

// ToStoreChat converts a delivered chat's metadata to a store.Chat summary.
// Last-message fields come from the newest delivered message, if any.
func (dc *DeliveredChat) ToStoreChat() *store.Chat {
	c := &store.Chat{
		JID:         dc.JID,
		Name:        dc.Name,
		IsGroup:     isGroupJID(dc.JID),
		UnreadCount: dc.UnreadCount,
		Archived:    dc.Archived,
	}
	for _, m := range dc.Messages {
		if m.Timestamp >= c.LastMessageAt {
			c.LastMessageAt = m.Timestamp
			c.LastMessagePreview = truncate(m.Body, 100)
			c.LastMessageType = m.MessageType
			c.LastMessageSender = m.SenderName
		}
	}
	return c
}

func isGroupJID(jid string) bool {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return false
	}
	return parsed.Server == types.GroupServer
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
