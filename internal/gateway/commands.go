package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"go.uber.org/zap"
)

// dispatch routes one inbound command. Unknown or malformed commands answer
// with an error envelope; the connection always stays open.
func (s *Server) dispatch(ctx context.Context, c *client, env inboundEnvelope) {
	var err error
	switch env.Type {
	case "get_initial_chats":
		err = s.handleGetInitialChats(ctx, c)
	case "send_message":
		err = s.handleSendMessage(ctx, c, env.Data)
	case "get_message_history":
		err = s.handleGetMessageHistory(ctx, c, env.Data)
	case "typing_start":
		err = s.handleTyping(ctx, c, env.Data, true)
	case "typing_stop":
		err = s.handleTyping(ctx, c, env.Data, false)
	case "health_check":
		err = s.handleHealthCheck(ctx, c)
	case "sync_contacts":
		err = s.handleSyncContacts(ctx, c)
	case "get_contact_info":
		err = s.handleGetContactInfo(ctx, c, env.Data)
	default:
		err = c.send(ctx, Envelope{
			Type: "unknown_command",
			Data: errorData{Message: fmt.Sprintf("unknown command type %q", env.Type)},
		})
	}
	if err != nil {
		s.logger.Warn("command failed", zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *Server) replyError(ctx context.Context, c *client, errType string, err error) error {
	return c.send(ctx, Envelope{Type: errType, Data: errorData{Message: err.Error()}})
}

func (s *Server) handleGetInitialChats(ctx context.Context, c *client) error {
	chats, pending, err := s.views.ConversationList()
	if err != nil {
		return s.replyError(ctx, c, "initial_chats_error", err)
	}
	data := initialChatsData{Chats: make([]chatData, 0, len(chats)), Pending: pending}
	for i := range chats {
		data.Chats = append(data.Chats, toChatData(&chats[i]))
	}
	return c.send(ctx, Envelope{Type: "initial_chats", Data: data})
}

func (s *Server) handleSendMessage(ctx context.Context, c *client, raw json.RawMessage) error {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.replyError(ctx, c, "send_message_error", fmt.Errorf("malformed payload: %w", err))
	}
	if req.To == "" || req.Message == "" {
		return s.replyError(ctx, c, "send_message_error", fmt.Errorf("to and message are required"))
	}

	clientMsgID, err := s.enqueuer.Enqueue(req.To, req.Message)
	if err != nil {
		return s.replyError(ctx, c, "send_message_error", err)
	}
	return c.send(ctx, Envelope{
		Type: "message_queued",
		Data: messageSentData{ClientMsgID: clientMsgID, JID: req.To},
	})
}

func (s *Server) handleGetMessageHistory(ctx context.Context, c *client, raw json.RawMessage) error {
	var req struct {
		JID    string `json:"jid"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.replyError(ctx, c, "message_history_error", fmt.Errorf("malformed payload: %w", err))
	}
	if req.JID == "" {
		return s.replyError(ctx, c, "message_history_error", fmt.Errorf("jid is required"))
	}

	msgs, err := s.views.Messages(ctx, req.JID, req.Limit, req.Offset)
	if err != nil {
		return s.replyError(ctx, c, "message_history_error", err)
	}

	// Fetching a chat's history means the consumer opened it; clear unread.
	if err := s.db.ResetChatUnread(req.JID); err != nil {
		s.logger.Warn("unread reset failed", zap.String("chat", req.JID), zap.Error(err))
	}

	data := messageHistoryData{JID: req.JID, Messages: make([]messageData, 0, len(msgs))}
	for i := range msgs {
		data.Messages = append(data.Messages, toMessageData(&msgs[i]))
	}
	return c.send(ctx, Envelope{Type: "message_history", Data: data})
}

func (s *Server) handleTyping(ctx context.Context, c *client, raw json.RawMessage, typing bool) error {
	var req struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.To == "" {
		return s.replyError(ctx, c, "typing_error", fmt.Errorf("to is required"))
	}
	if err := s.upstream.SendTyping(ctx, req.To, typing); err != nil {
		return s.replyError(ctx, c, "typing_error", err)
	}
	return nil
}

func (s *Server) handleHealthCheck(ctx context.Context, c *client) error {
	chats, _ := s.db.ChatCount()
	messages, _ := s.db.MessageCount()
	contacts, _ := s.db.ContactCount()

	data := healthData{
		Status:      string(s.machine.Current()),
		Connected:   s.upstream.IsConnected(),
		PhoneNumber: s.upstream.PhoneNumber(),
		Chats:       chats,
		Messages:    messages,
		Contacts:    contacts,
	}
	if v, ok, _ := s.db.GetSetting(store.SettingLastGlobalSync); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			data.LastSyncedAt = time.UnixMilli(ms).UTC().Format(time.RFC3339)
		}
	}
	return c.send(ctx, Envelope{Type: "health", Data: data})
}

func (s *Server) handleSyncContacts(ctx context.Context, c *client) error {
	if !s.upstream.IsConnected() {
		return s.replyError(ctx, c, "sync_contacts_error", fmt.Errorf("not connected"))
	}
	if err := c.send(ctx, Envelope{Type: "sync_contacts_started"}); err != nil {
		return err
	}
	contacts := s.upstream.GetContacts(ctx)
	if err := s.db.BulkUpsertContacts(contacts); err != nil {
		return s.replyError(ctx, c, "sync_contacts_error", err)
	}
	s.logger.Info("contacts synced", zap.Int("count", len(contacts)))
	// Completion goes out as a broadcast so every consumer refreshes names.
	s.bus.Publish(bus.Event{
		Kind:      bus.KindContactsSynced,
		Timestamp: time.Now(),
		Payload:   len(contacts),
	})
	return nil
}

func (s *Server) handleGetContactInfo(ctx context.Context, c *client, raw json.RawMessage) error {
	var req struct {
		JID string `json:"jid"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.JID == "" {
		return s.replyError(ctx, c, "contact_info_error", fmt.Errorf("jid is required"))
	}

	data := contactInfoData{JID: req.JID}
	contact, err := s.db.GetContact(req.JID)
	if err != nil {
		return s.replyError(ctx, c, "contact_info_error", err)
	}
	if contact != nil {
		if contact.Name != "" {
			data.Name = contact.Name
		} else {
			data.Name = contact.PushName
		}
		data.Phone = contact.Phone
		data.Avatar = contact.Avatar
	}
	if data.Avatar == "" && s.upstream.IsConnected() {
		data.Avatar = s.upstream.GetAvatarURL(ctx, req.JID)
		if data.Avatar != "" && contact != nil {
			contact.Avatar = data.Avatar
			_ = s.db.UpsertContact(contact)
		}
	}
	return c.send(ctx, Envelope{Type: "contact_info", Data: data})
}
