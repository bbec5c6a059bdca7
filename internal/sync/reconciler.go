package sync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"github.com/matheus3301/wabd/internal/wa"
	"go.uber.org/zap"
)

// PassResult summarizes the reconciliation of one bulk-history delivery.
type PassResult struct {
	SyncID            string
	ChatsProcessed    int
	ChatsNew          int
	ChatsKnown        int
	ChatsFailed       int
	MessagesPersisted int
	MessagesSkipped   int
	MessagesFailed    int
	IsFinal           bool
}

// Reconciler folds bulk-history deliveries into the store. The upstream
// delivers history as overlapping recency-ordered snapshots with no cursor
// primitive of its own, so the reconciler maintains one per chat: a
// write-once baseline (oldest timestamp of the first delivery) and a
// monotonic last-sync mark advanced on every successful pass.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:     db,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessDelivery reconciles one bulk-history delivery against the store.
// Chats are processed independently: one chat failing never aborts its
// siblings, and one message failing never aborts its chat.
func (r *Reconciler) ProcessDelivery(d *wa.HistoryDelivery) *PassResult {
	result := &PassResult{SyncID: d.SyncID, IsFinal: d.IsFinal}

	for _, dc := range d.Chats {
		if dc.JID == "" {
			continue
		}
		if err := r.reconcileChat(&dc, result); err != nil {
			result.ChatsFailed++
			r.logger.Error("chat reconciliation failed",
				zap.String("sync_id", d.SyncID),
				zap.String("chat", dc.JID),
				zap.Error(err))
			continue
		}
		result.ChatsProcessed++
	}

	if err := r.db.SetSetting(store.SettingLastGlobalSync, strconv.FormatInt(r.now().UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to record global sync time", zap.Error(err))
	}

	r.logger.Info("history delivery reconciled",
		zap.String("sync_id", result.SyncID),
		zap.Int("chats", result.ChatsProcessed),
		zap.Int("chats_new", result.ChatsNew),
		zap.Int("chats_failed", result.ChatsFailed),
		zap.Int("persisted", result.MessagesPersisted),
		zap.Int("skipped", result.MessagesSkipped),
		zap.Int("failed", result.MessagesFailed),
		zap.Bool("final", result.IsFinal))

	r.bus.Publish(bus.Event{
		Kind:      bus.KindSyncPassCompleted,
		Timestamp: time.Now(),
		Payload:   result,
	})
	return result
}

func (r *Reconciler) reconcileChat(dc *wa.DeliveredChat, result *PassResult) error {
	cursors, err := r.db.GetChatCursors(dc.JID)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}

	// A chat is new until its first delivery establishes a baseline; after
	// that it is known and only strictly newer messages are persisted.
	isNew := cursors == nil || !cursors.HistoryBaselineAt.Valid

	// Upsert the summary first so cursor updates have a row to land on.
	if err := r.db.UpsertChatSummary(dc.ToStoreChat()); err != nil {
		return fmt.Errorf("upsert chat summary: %w", err)
	}

	var (
		toPersist  []*wa.ParsedMessage
		provenance string
		oldest     int64
	)
	if isNew {
		provenance = store.ProvenanceInitialSync
		for _, m := range dc.Messages {
			toPersist = append(toPersist, m)
			if oldest == 0 || m.Timestamp < oldest {
				oldest = m.Timestamp
			}
		}
	} else {
		provenance = store.ProvenanceProgressiveSync
		lastSynced := cursors.LastSyncedAt.Int64
		for _, m := range dc.Messages {
			if m.Timestamp > lastSynced {
				toPersist = append(toPersist, m)
			} else {
				result.MessagesSkipped++
			}
		}
	}

	for _, m := range toPersist {
		if err := r.db.UpsertMessage(m.ToStoreMessage(provenance)); err != nil {
			result.MessagesFailed++
			r.logger.Warn("message persist failed, skipping",
				zap.String("chat", dc.JID),
				zap.String("msg_id", m.MsgID),
				zap.Error(err))
			continue
		}
		result.MessagesPersisted++
	}

	if isNew {
		result.ChatsNew++
		if oldest > 0 {
			if err := r.db.SetHistoryBaseline(dc.JID, oldest); err != nil {
				return fmt.Errorf("set baseline: %w", err)
			}
		}
	} else {
		result.ChatsKnown++
	}

	// The last-sync cursor records when this chat was last successfully
	// processed, not the newest message timestamp: an empty batch is still
	// a completed pass.
	if err := r.db.AdvanceLastSynced(dc.JID, r.now().UnixMilli()); err != nil {
		return fmt.Errorf("advance last-sync cursor: %w", err)
	}

	r.bus.Publish(bus.Event{
		Kind:      bus.KindSyncHistoryStored,
		Timestamp: time.Now(),
		Payload:   dc.JID,
	})
	return nil
}
