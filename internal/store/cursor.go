package store

import (
	"database/sql"
	"time"
)

// GetChatCursors returns the sync cursors for a chat, or nil if the chat is
// not yet known to the store.
func (db *DB) GetChatCursors(jid string) (*ChatCursors, error) {
	var c ChatCursors
	err := db.QueryRow(`SELECT history_baseline_at, last_synced_at FROM chats WHERE jid = ?`, jid).
		Scan(&c.HistoryBaselineAt, &c.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetHistoryBaseline records the baseline cursor for a chat. The baseline is
// written once: a later call on a chat that already has one is a no-op.
func (db *DB) SetHistoryBaseline(jid string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats
		SET history_baseline_at = COALESCE(history_baseline_at, ?), updated_at = ?
		WHERE jid = ?`, ts, now, jid)
	return err
}

// AdvanceLastSynced moves the last-sync cursor forward. The cursor is
// monotonic: an older timestamp never overwrites a newer one.
func (db *DB) AdvanceLastSynced(jid string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats
		SET last_synced_at = MAX(COALESCE(last_synced_at, 0), ?), updated_at = ?
		WHERE jid = ?`, ts, now, jid)
	return err
}
