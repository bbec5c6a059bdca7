package sync

import (
	"time"
	"unicode/utf8"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/matheus3301/wabd/internal/wa"
	"go.uber.org/zap"
)

// LiveProcessor persists real-time messages as they arrive. Unlike the
// reconciler it never touches the sync cursors: live traffic and history
// reconciliation are independent write paths that converge on the same
// idempotent message upsert.
type LiveProcessor struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewLiveProcessor creates a new live processor.
func NewLiveProcessor(db *store.DB, b *bus.Bus, logger *zap.Logger) *LiveProcessor {
	return &LiveProcessor{db: db, bus: b, logger: logger}
}

// ProcessMessage persists one live message and refreshes its chat summary.
// Inbound messages bump the chat's unread counter; outbound ones do not.
func (p *LiveProcessor) ProcessMessage(pm *wa.ParsedMessage) error {
	if pm.SenderName == "" && !pm.FromMe {
		if c, err := p.db.GetContact(pm.SenderJID); err == nil && c != nil && c.Name != "" {
			pm.SenderName = c.Name
		}
	}

	msg := pm.ToStoreMessage(store.ProvenanceRealtime)
	if err := p.db.UpsertMessage(msg); err != nil {
		return err
	}

	preview := pm.Body
	if len(preview) > 100 {
		cut := 100
		// Back up to a rune boundary so the preview stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	if err := p.db.UpsertChatFromMessage(msg, preview); err != nil {
		return err
	}
	if !pm.FromMe {
		if err := p.db.IncrementChatUnread(pm.ChatJID); err != nil {
			p.logger.Warn("unread bump failed", zap.String("chat", pm.ChatJID), zap.Error(err))
		}
	}

	p.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   msg,
	})
	return nil
}
