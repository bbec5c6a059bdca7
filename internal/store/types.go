package store

import "database/sql"

// Message provenance tags: which ingestion pass produced a stored row.
const (
	ProvenanceInitialSync     = "initial_sync"
	ProvenanceProgressiveSync = "progressive_sync"
	ProvenanceRealtime        = "realtime"
)

// Chat represents a synced conversation, 1:1 or group.
type Chat struct {
	JID                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	Archived           bool
	AvatarRef          string
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageType    string
	LastMessageSender  string
}

// ChatCursors holds a chat's history sync cursors. HistoryBaselineAt is the
// oldest timestamp covered by the chat's first bulk delivery; LastSyncedAt is
// the wall-clock time of the most recent successful reconciliation pass.
// A chat whose baseline is NULL has never completed an initial sync.
type ChatCursors struct {
	HistoryBaselineAt sql.NullInt64
	LastSyncedAt      sql.NullInt64
}

// Contact represents a synced contact. Its JID shares a namespace with 1:1
// chat JIDs; a matching contact overrides the chat's display name and avatar.
type Contact struct {
	JID      string
	Name     string
	PushName string
	Phone    string
	Avatar   string
}

// Message represents a stored message, keyed by (chat_jid, msg_id).
type Message struct {
	ID          int64
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Status      string // sent, received, failed
	Provenance  string
	Timestamp   int64 // epoch milliseconds
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatJID      string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
