package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// so related kinds share a dotted prefix ("wa.", "sync.", ...).
const (
	// Upstream adapter output (normalized, pre-persistence).
	KindLiveMessage     = "wa.live_message"
	KindHistoryDelivery = "wa.history_delivery"
	KindPresence        = "wa.presence"

	// Reconciliation results.
	KindSyncPassCompleted = "sync.pass_completed"
	KindSyncInitialChats  = "sync.initial_chats"
	KindSyncHistoryStored = "sync.history_stored"

	// Store-level message events.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	// Session lifecycle.
	KindConnected        = "session.connected"
	KindDisconnected     = "session.disconnected"
	KindStatusChanged    = "session.status_changed"
	KindLoggedOut        = "session.logged_out"
	KindQRGenerated      = "session.qr_generated"
	KindAuthenticated    = "session.authenticated"
	KindAuthFailed       = "session.auth_failed"
	KindConnectionFailed = "session.connection_failed"

	// Contact sync progress.
	KindContactsSynced = "contacts.synced"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
