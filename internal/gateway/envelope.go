package gateway

import (
	"encoding/json"

	"github.com/matheus3301/wabd/internal/store"
)

// Envelope is the frame exchanged with the frontend over the WebSocket:
// a type tag plus a type-specific payload.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// inboundEnvelope defers payload decoding until the command type is known.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// errorData is the payload of *_error envelopes.
type errorData struct {
	Message string `json:"message"`
}

type chatData struct {
	JID                string `json:"jid"`
	Name               string `json:"name"`
	IsGroup            bool   `json:"is_group"`
	UnreadCount        int    `json:"unread_count"`
	Archived           bool   `json:"archived"`
	Avatar             string `json:"avatar,omitempty"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
	LastMessageType    string `json:"last_message_type,omitempty"`
	LastMessageSender  string `json:"last_message_sender,omitempty"`
}

type messageData struct {
	ID          string `json:"id"`
	ChatJID     string `json:"chat_jid"`
	SenderJID   string `json:"sender_jid"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
	FromMe      bool   `json:"from_me"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

type initialChatsData struct {
	Chats   []chatData `json:"chats"`
	Pending bool       `json:"pending"`
}

type messageHistoryData struct {
	JID      string        `json:"jid"`
	Messages []messageData `json:"messages"`
}

type typingData struct {
	JID    string `json:"jid"`
	Typing bool   `json:"typing"`
}

type qrData struct {
	Code      string `json:"code"`
	PNGBase64 string `json:"png_base64,omitempty"`
}

type connectionStatusData struct {
	Status string `json:"status"`
}

type messageSentData struct {
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id,omitempty"`
	JID         string `json:"jid"`
	Error       string `json:"error,omitempty"`
}

type contactInfoData struct {
	JID    string `json:"jid"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type healthData struct {
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Chats        int64  `json:"chats"`
	Messages     int64  `json:"messages"`
	Contacts     int64  `json:"contacts"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

func toChatData(c *store.Chat) chatData {
	return chatData{
		JID:                c.JID,
		Name:               c.Name,
		IsGroup:            c.IsGroup,
		UnreadCount:        c.UnreadCount,
		Archived:           c.Archived,
		Avatar:             c.AvatarRef,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageType:    c.LastMessageType,
		LastMessageSender:  c.LastMessageSender,
	}
}

func toMessageData(m *store.Message) messageData {
	return messageData{
		ID:          m.MsgID,
		ChatJID:     m.ChatJID,
		SenderJID:   m.SenderJID,
		SenderName:  m.SenderName,
		Body:        m.Body,
		MessageType: m.MessageType,
		FromMe:      m.FromMe,
		Status:      m.Status,
		Timestamp:   m.Timestamp,
	}
}
