package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeTextSender struct {
	connected bool
	fail      error
	sent      chan string
}

func (f *fakeTextSender) IsConnected() bool { return f.connected }

func (f *fakeTextSender) SendText(ctx context.Context, jid, text string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	id := "SRV-" + text
	if f.sent != nil {
		f.sent <- id
	}
	return id, nil
}

func TestEnqueueAndDrain(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	upstream := &fakeTextSender{connected: true, sent: make(chan string, 1)}
	s := NewSender(db, b, upstream, zap.NewNop())

	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()

	s.Start()
	defer s.Stop()

	clientID, err := s.Enqueue("a@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-acks:
		ack := evt.Payload.(*SendAck)
		if ack.ClientMsgID != clientID || ack.ServerMsgID != "SRV-hello" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send ack")
	}

	// The outbox entry must be marked sent and the message echoed locally.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
	msgs, err := db.ListMessagesPage("a@s.whatsapp.net", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].FromMe || msgs[0].Status != "sent" {
		t.Errorf("echoed message = %+v", msgs)
	}
}

func TestQueuedWhileDisconnected(t *testing.T) {
	db := testDB(t)
	upstream := &fakeTextSender{connected: false}
	s := NewSender(db, bus.New(), upstream, zap.NewNop())
	s.Start()
	defer s.Stop()

	if _, err := s.Enqueue("a@s.whatsapp.net", "hello"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != "queued" {
		t.Errorf("pending = %+v, want one queued entry", pending)
	}
}

func TestSendFailureMarksEntry(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	upstream := &fakeTextSender{connected: true, fail: errors.New("upstream says no")}
	s := NewSender(db, b, upstream, zap.NewNop())

	failures, unsub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()

	s.Start()
	defer s.Stop()

	clientID, err := s.Enqueue("a@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-failures:
		ack := evt.Payload.(*SendAck)
		if ack.ClientMsgID != clientID || ack.Error == "" {
			t.Errorf("failure ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}

	var status string
	err = db.QueryRow(`SELECT status FROM outbox WHERE client_msg_id = ?`, clientID).Scan(&status)
	if err != nil {
		t.Fatal(err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}
