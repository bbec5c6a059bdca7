package wa

import (
	"fmt"

	"github.com/matheus3301/wabd/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// NormalizeJID strips device/agent suffixes so that history sync and live
// events produce the same JID for the same party. Without this the same
// contact shows up as separate chats ("u:3@s.whatsapp.net" vs
// "u@s.whatsapp.net"). Unparseable input is returned as-is.
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	return parsed.ToNonAD().String()
}

// ParsedMessage is a normalized message ready for ingestion. All downstream
// code operates on this form only; the raw upstream shapes are decoded here
// exactly once.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	msgType := detectMessageType(evt.Message)

	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractBody(evt.Message, msgType),
		MessageType: msgType,
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ParseHistoryMessage normalizes one entry of a bulk history delivery.
// History entries wrap the payload one level deep (WebMessageInfo around the
// actual message) and carry epoch-seconds timestamps; both are unwrapped here.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) (*ParsedMessage, error) {
	if wmsg == nil || wmsg.GetMessage() == nil {
		return nil, fmt.Errorf("history entry has no message payload")
	}
	key := wmsg.GetKey()
	if key.GetID() == "" {
		return nil, fmt.Errorf("history entry has no message id")
	}

	ts, err := NormalizeTimestamp(wmsg.GetMessageTimestamp())
	if err != nil {
		return nil, fmt.Errorf("history entry timestamp: %w", err)
	}

	inner := wmsg.GetMessage()
	msgType := detectMessageType(inner)

	return &ParsedMessage{
		ChatJID:     NormalizeJID(chatJID),
		MsgID:       key.GetID(),
		SenderJID:   NormalizeJID(key.GetParticipant()),
		SenderName:  wmsg.GetPushName(),
		Body:        extractBody(inner, msgType),
		MessageType: msgType,
		FromMe:      key.GetFromMe(),
		Timestamp:   ts,
	}, nil
}

// ToStoreMessage converts a ParsedMessage to a store.Message with the given
// provenance tag.
func (p *ParsedMessage) ToStoreMessage(provenance string) *store.Message {
	status := "received"
	if p.FromMe {
		status = "sent"
	}
	return &store.Message{
		ChatJID:     p.ChatJID,
		MsgID:       p.MsgID,
		SenderJID:   p.SenderJID,
		SenderName:  p.SenderName,
		Body:        p.Body,
		MessageType: p.MessageType,
		FromMe:      p.FromMe,
		Status:      status,
		Provenance:  provenance,
		Timestamp:   p.Timestamp,
	}
}

// extractBody returns the text content of a message, or a typed placeholder
// for non-text kinds so previews always have something to show.
func extractBody(msg *waE2E.Message, msgType string) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil && img.GetCaption() != "" {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil && vid.GetCaption() != "" {
		return vid.GetCaption()
	}
	return "[" + msgType + "]"
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetReactionMessage() != nil:
		return "reaction"
	case msg.GetPollCreationMessageV3() != nil || msg.GetPollCreationMessage() != nil:
		return "poll"
	default:
		return "unknown"
	}
}
