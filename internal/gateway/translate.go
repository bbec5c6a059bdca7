package gateway

import (
	"context"
	"encoding/base64"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/outbox"
	"github.com/matheus3301/wabd/internal/status"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/matheus3301/wabd/internal/wa"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// broadcastLoop translates bus events into frontend envelopes and fans them
// out to every connected client.
func (s *Server) broadcastLoop(ctx context.Context) {
	defer close(s.done)
	events, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if env, ok := s.translate(evt); ok {
				s.broadcast(env)
			}
		}
	}
}

func (s *Server) translate(evt bus.Event) (Envelope, bool) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		m, ok := evt.Payload.(*store.Message)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "newMessage", Data: toMessageData(m)}, true

	case bus.KindSyncInitialChats:
		chats, ok := evt.Payload.([]store.Chat)
		if !ok {
			return Envelope{}, false
		}
		data := initialChatsData{Chats: make([]chatData, 0, len(chats))}
		for i := range chats {
			data.Chats = append(data.Chats, toChatData(&chats[i]))
		}
		return Envelope{Type: "initial_chats", Data: data}, true

	case bus.KindPresence:
		p, ok := evt.Payload.(*wa.PresenceEvent)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "typing", Data: typingData{JID: p.ChatJID, Typing: p.Typing}}, true

	case bus.KindStatusChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "connection_status", Data: connectionStatusData{Status: string(change.To)}}, true

	case bus.KindQRGenerated:
		code, ok := evt.Payload.(string)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "qr", Data: s.qrPayload(code)}, true

	case bus.KindMessageSendAck:
		ack, ok := evt.Payload.(*outbox.SendAck)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "message_sent", Data: messageSentData{
			ClientMsgID: ack.ClientMsgID,
			ServerMsgID: ack.ServerMsgID,
			JID:         ack.ChatJID,
		}}, true

	case bus.KindMessageSendFailed:
		ack, ok := evt.Payload.(*outbox.SendAck)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "message_send_error", Data: messageSentData{
			ClientMsgID: ack.ClientMsgID,
			JID:         ack.ChatJID,
			Error:       ack.Error,
		}}, true

	case bus.KindContactsSynced:
		count, ok := evt.Payload.(int)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{Type: "sync_contacts_completed", Data: map[string]int{"count": count}}, true

	case bus.KindAuthenticated:
		return Envelope{Type: "authenticated"}, true

	case bus.KindLoggedOut:
		return Envelope{Type: "logged_out"}, true
	}
	return Envelope{}, false
}

// qrPayload renders the pairing code as a PNG so the frontend can show it
// without a QR library of its own. The raw code is always included.
func (s *Server) qrPayload(code string) qrData {
	data := qrData{Code: code}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		s.logger.Warn("QR PNG encoding failed", zap.Error(err))
		return data
	}
	data.PNGBase64 = base64.StdEncoding.EncodeToString(png)
	return data
}
