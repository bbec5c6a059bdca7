package wa

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/session"
	"github.com/matheus3301/wabd/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
// It is the only component that speaks the upstream protocol; everything
// else consumes normalized events from the bus.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	session   string
}

// NewAdapter creates a new WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wabd", [3]uint32{0, 1, 0})

	dbPath := session.DeviceDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger,
		session:   sessionName,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// IsConnected reports whether the upstream socket is currently up.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials upstream.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// WipeCredentials deletes the local device credentials. Used on forced
// logout so the next connection attempt starts a fresh QR pairing.
func (a *Adapter) WipeCredentials(ctx context.Context) error {
	if a.client.Store.ID == nil {
		return nil
	}
	if err := a.client.Store.Delete(ctx); err != nil {
		return fmt.Errorf("delete device credentials: %w", err)
	}
	return nil
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given JID. Returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendTyping publishes a typing (chat presence) state to the given JID.
func (a *Adapter) SendTyping(ctx context.Context, jid string, typing bool) error {
	to, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return a.client.SendChatPresence(ctx, to, state, "")
}

// RequestBackfill asks the phone for up to count older messages of a chat.
// oldest anchors the request at the oldest locally-known message; nil anchors
// at the present. The result arrives later as a regular history delivery on
// the bus; callers wait for that with their own timeout.
func (a *Adapter) RequestBackfill(ctx context.Context, chatJID string, oldest *store.Message, count int) error {
	if a.client.Store.ID == nil {
		return fmt.Errorf("not logged in")
	}
	chat, err := types.ParseJID(chatJID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}

	info := &types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, IsFromMe: true},
		Timestamp:     time.Now(),
	}
	if oldest != nil {
		info.ID = oldest.MsgID
		info.IsFromMe = oldest.FromMe
		info.Timestamp = time.UnixMilli(oldest.Timestamp)
		if sender, err := types.ParseJID(oldest.SenderJID); err == nil {
			info.Sender = sender
		}
	}

	req := a.client.BuildHistorySyncRequest(info, count)
	_, err = a.client.SendMessage(ctx, a.client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return fmt.Errorf("send history request: %w", err)
	}
	a.logger.Info("backfill requested", zap.String("chat", chatJID), zap.Int("count", count))
	return nil
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// GetContacts returns all contacts from the whatsmeow device store.
func (a *Adapter) GetContacts(ctx context.Context) []store.Contact {
	allContacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}
	var contacts []store.Contact
	for jid, info := range allContacts {
		normalized := jid.ToNonAD()
		contacts = append(contacts, store.Contact{
			JID:      normalized.String(),
			Name:     info.FullName,
			PushName: info.PushName,
			Phone:    normalized.User,
		})
	}
	return contacts
}

// GetAvatarURL fetches the profile picture URL for a JID, or "" if none.
func (a *Adapter) GetAvatarURL(ctx context.Context, jid string) string {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return ""
	}
	pic, err := a.client.GetProfilePictureInfo(ctx, parsed, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil || pic == nil {
		return ""
	}
	return pic.URL
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// ResolveLID resolves a LID JID to its phone number JID using the device
// store mapping. Returns the original JID if it's not a LID or if resolution
// fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
