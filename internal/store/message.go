package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on chat_jid + msg_id).
// On conflict only mutable fields change; timestamp and provenance keep the
// values from the first ingestion, so a live redelivery of a message already
// captured by a bulk sync does not rewrite its origin.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, status, provenance, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status`,
		m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.Status, m.Provenance, m.Timestamp, now)
	return err
}

// ListMessagesPage returns a page of a chat's messages in reverse-chronological
// order using limit/offset, matching the consumer's paging contract.
func (db *DB) ListMessagesPage(chatJID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return db.queryMessages(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, status, provenance, timestamp
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, chatJID, limit, offset)
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body,
			&m.MessageType, &m.FromMe, &m.Status, &m.Provenance, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// PurgeMessagesBefore deletes messages older than the given timestamp.
// Chats and cursors are untouched; retention only trims message bodies.
func (db *DB) PurgeMessagesBefore(ts int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE timestamp < ?`, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
