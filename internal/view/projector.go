package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"go.uber.org/zap"
)

// Backfiller requests deeper history for a chat from the upstream session.
// Satisfied by the WhatsApp adapter.
type Backfiller interface {
	IsConnected() bool
	RequestBackfill(ctx context.Context, chatJID string, oldest *store.Message, count int) error
}

// Projector serves read models for the frontend. The conversation list is
// answered from an in-memory cache once a completed sync pass has populated
// it; before that the store is the fallback, and an empty store while
// connected means history is still on its way.
type Projector struct {
	db         *store.DB
	bus        *bus.Bus
	backfiller Backfiller
	logger     *zap.Logger

	backfillTimeout time.Duration
	backfillCount   int

	mu       sync.RWMutex
	cache    []store.Chat
	cacheSet bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProjector creates a new view projector.
func NewProjector(db *store.DB, b *bus.Bus, backfiller Backfiller, backfillTimeout time.Duration, backfillCount int, logger *zap.Logger) *Projector {
	return &Projector{
		db:              db,
		bus:             b,
		backfiller:      backfiller,
		logger:          logger,
		backfillTimeout: backfillTimeout,
		backfillCount:   backfillCount,
	}
}

// Start begins listening for sync completions and session resets.
func (p *Projector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	syncEvents, unsubSync := p.bus.Subscribe("sync.", 64)
	msgEvents, unsubMsg := p.bus.Subscribe(bus.KindMessageUpserted, 64)
	sessionEvents, unsubSession := p.bus.Subscribe(bus.KindLoggedOut, 8)
	go func() {
		defer close(p.done)
		defer unsubSync()
		defer unsubMsg()
		defer unsubSession()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-syncEvents:
				if evt.Kind == bus.KindSyncPassCompleted {
					p.onPassCompleted(evt)
				}
			case <-msgEvents:
				p.refresh()
			case <-sessionEvents:
				p.invalidate()
			}
		}
	}()
}

// Stop shuts down the projector.
func (p *Projector) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// ConversationList returns the chats ordered by recency. The second return
// is true when no data is available yet but a sync is expected to deliver
// it, so the caller can signal "loading" instead of "empty".
func (p *Projector) ConversationList() ([]store.Chat, bool, error) {
	p.mu.RLock()
	if p.cacheSet {
		chats := make([]store.Chat, len(p.cache))
		copy(chats, p.cache)
		p.mu.RUnlock()
		return chats, false, nil
	}
	p.mu.RUnlock()

	chats, err := p.db.ListChats(500, 0)
	if err != nil {
		return nil, false, fmt.Errorf("list chats: %w", err)
	}
	if len(chats) == 0 && p.backfiller.IsConnected() {
		return nil, true, nil
	}
	return chats, false, nil
}

// Messages returns a page of a chat's messages in chronological order.
// When the local page is empty and the session is connected, a backfill
// request is issued upstream and the call waits (bounded) for the resulting
// history to be stored before re-querying.
func (p *Projector) Messages(ctx context.Context, chatJID string, limit, offset int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := p.db.ListMessagesPage(chatJID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 && p.backfiller.IsConnected() {
		if err := p.awaitBackfill(ctx, chatJID); err != nil {
			p.logger.Debug("backfill did not complete", zap.String("chat", chatJID), zap.Error(err))
		} else {
			msgs, err = p.db.ListMessagesPage(chatJID, limit, offset)
			if err != nil {
				return nil, fmt.Errorf("list messages after backfill: %w", err)
			}
		}
	}

	// Page rows come newest-first; the frontend wants chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (p *Projector) awaitBackfill(ctx context.Context, chatJID string) error {
	// Subscribe before requesting so the stored event cannot be missed.
	events, unsub := p.bus.Subscribe(bus.KindSyncHistoryStored, 32)
	defer unsub()

	ctx, cancel := context.WithTimeout(ctx, p.backfillTimeout)
	defer cancel()

	if err := p.backfiller.RequestBackfill(ctx, chatJID, nil, p.backfillCount); err != nil {
		return fmt.Errorf("request backfill: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-events:
			if jid, ok := evt.Payload.(string); ok && jid == chatJID {
				return nil
			}
		}
	}
}

func (p *Projector) onPassCompleted(evt bus.Event) {
	chats, err := p.db.ListChats(500, 0)
	if err != nil {
		p.logger.Error("conversation list rebuild failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.cache = chats
	p.cacheSet = true
	p.mu.Unlock()

	p.logger.Debug("conversation list cache rebuilt", zap.Int("chats", len(chats)))
	p.bus.Publish(bus.Event{
		Kind:      bus.KindSyncInitialChats,
		Timestamp: time.Now(),
		Payload:   chats,
	})
}

// refresh re-reads the store into the cache after a live message so the
// conversation list stays current between sync passes.
func (p *Projector) refresh() {
	p.mu.RLock()
	set := p.cacheSet
	p.mu.RUnlock()
	if !set {
		return
	}
	chats, err := p.db.ListChats(500, 0)
	if err != nil {
		p.logger.Error("conversation list refresh failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.cache = chats
	p.mu.Unlock()
}

func (p *Projector) invalidate() {
	p.mu.Lock()
	p.cache = nil
	p.cacheSet = false
	p.mu.Unlock()
	p.logger.Info("conversation list cache cleared")
}
