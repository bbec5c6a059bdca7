package store

import (
	"database/sql"
	"time"
)

// UpsertChatSummary inserts or updates a chat's display fields without
// touching its sync cursors. Summary fields only move forward: the preview,
// type and sender follow the newest last_message_at seen so a stale delivery
// cannot regress a fresher summary.
func (db *DB) UpsertChatSummary(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (jid, name, is_group, unread_count, archived, avatar_ref,
			last_message_at, last_message_preview, last_message_type, last_message_sender, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE chats.avatar_ref END,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_type = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_type ELSE chats.last_message_type END,
			last_message_sender = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_sender ELSE chats.last_message_sender END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.JID, c.Name, c.IsGroup, c.UnreadCount, c.Archived, c.AvatarRef,
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageType, c.LastMessageSender, now)
	return err
}

// UpsertChatFromMessage inserts or refreshes a chat's last-message summary
// from a single live message. Unlike UpsertChatSummary it leaves the unread
// counter, name and avatar untouched; a lone message carries no authority
// over those.
func (db *DB) UpsertChatFromMessage(m *Message, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (jid, last_message_at, last_message_preview, last_message_type, last_message_sender, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_type = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_type ELSE chats.last_message_type END,
			last_message_sender = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_sender ELSE chats.last_message_sender END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		m.ChatJID, m.Timestamp, preview, m.MessageType, m.SenderName, now)
	return err
}

// IncrementChatUnread bumps a chat's unread counter by one.
func (db *DB) IncrementChatUnread(jid string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE jid = ?`, now, jid)
	return err
}

// ResetChatUnread clears a chat's unread counter.
func (db *DB) ResetChatUnread(jid string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE jid = ?`, now, jid)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
// Names are resolved via LEFT JOIN to contacts table with fallback:
// chat.name -> contact.push_name -> contact.name -> chat.jid
// A matching contact's avatar overrides the chat's own avatar reference.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.unread_count, c.archived,
			COALESCE(NULLIF(ct.avatar,''), c.avatar_ref) AS avatar,
			c.last_message_at, c.last_message_preview, c.last_message_type, c.last_message_sender
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.Archived, &c.AvatarRef,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageType, &c.LastMessageSender); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID with display-name fallback applied.
func (db *DB) GetChat(jid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.unread_count, c.archived,
			COALESCE(NULLIF(ct.avatar,''), c.avatar_ref) AS avatar,
			c.last_message_at, c.last_message_preview, c.last_message_type, c.last_message_sender
		FROM chats c
		LEFT JOIN contacts ct ON c.jid = ct.jid
		WHERE c.jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.Archived, &c.AvatarRef,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageType, &c.LastMessageSender)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
