package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/matheus3301/wabd/internal/wa"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TextSender is the upstream send surface the sender needs. Satisfied by the
// WhatsApp adapter.
type TextSender interface {
	IsConnected() bool
	SendText(ctx context.Context, jid string, text string) (string, error)
}

// SendAck reports the outcome of one outbox entry.
type SendAck struct {
	ClientMsgID string
	ServerMsgID string
	ChatJID     string
	Error       string
}

// Sender drains the outbox: queued messages survive restarts and disconnects
// and are pushed upstream as soon as the session allows. Successful sends are
// echoed into the message store immediately so the frontend sees its own
// message without waiting for a server round-trip.
type Sender struct {
	db      *store.DB
	bus     *bus.Bus
	sender  TextSender
	logger  *zap.Logger
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	retryIn time.Duration
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, b *bus.Bus, sender TextSender, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		bus:     b,
		sender:  sender,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		retryIn: 10 * time.Second,
	}
}

// Enqueue queues a message for delivery and wakes the drain loop. Returns the
// client-side message id used to correlate the eventual ack.
func (s *Sender) Enqueue(chatJID, body string) (string, error) {
	clientMsgID := uuid.New().String()
	if err := s.db.QueueOutbox(clientMsgID, wa.NormalizeJID(chatJID), body); err != nil {
		return "", err
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return clientMsgID, nil
}

// Start begins the drain loop.
func (s *Sender) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.retryIn)
		defer ticker.Stop()
		for {
			s.drain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
			case <-ticker.C:
			}
		}
	}()
}

// Stop shuts down the drain loop.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sender) drain(ctx context.Context) {
	if !s.sender.IsConnected() {
		return
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("outbox query failed", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, &entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry *store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("outbox mark sending failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	serverMsgID, err := s.sender.SendText(sendCtx, entry.ChatJID, entry.Body)
	cancel()
	if err != nil {
		s.logger.Warn("outbox send failed",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("chat", entry.ChatJID),
			zap.Error(err))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload:   &SendAck{ClientMsgID: entry.ClientMsgID, ChatJID: entry.ChatJID, Error: err.Error()},
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
		s.logger.Error("outbox mark sent failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	}
	s.echo(entry, serverMsgID)

	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload:   &SendAck{ClientMsgID: entry.ClientMsgID, ServerMsgID: serverMsgID, ChatJID: entry.ChatJID},
	})
}

// echo stores the sent message locally right away. If the upstream later
// replays it in a history delivery, the upsert is a no-op.
func (s *Sender) echo(entry *store.OutboxEntry, serverMsgID string) {
	msg := &store.Message{
		ChatJID:     entry.ChatJID,
		MsgID:       serverMsgID,
		Body:        entry.Body,
		MessageType: "text",
		FromMe:      true,
		Status:      "sent",
		Provenance:  store.ProvenanceRealtime,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := s.db.UpsertMessage(msg); err != nil {
		s.logger.Warn("sent-message echo failed", zap.String("msg_id", serverMsgID), zap.Error(err))
		return
	}
	if err := s.db.UpsertChatFromMessage(msg, msg.Body); err != nil {
		s.logger.Warn("chat summary update failed", zap.String("chat", entry.ChatJID), zap.Error(err))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   msg,
	})
}
