package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/status"
	"github.com/matheus3301/wabd/internal/store"
	"go.uber.org/zap"
)

// Upstream is the slice of the WhatsApp adapter the gateway needs.
type Upstream interface {
	IsConnected() bool
	SendTyping(ctx context.Context, jid string, typing bool) error
	GetContacts(ctx context.Context) []store.Contact
	GetAvatarURL(ctx context.Context, jid string) string
	PhoneNumber() string
}

// Views serves the frontend's read models. Satisfied by the view projector.
type Views interface {
	ConversationList() ([]store.Chat, bool, error)
	Messages(ctx context.Context, chatJID string, limit, offset int) ([]store.Message, error)
}

// Enqueuer queues outgoing messages. Satisfied by the outbox sender.
type Enqueuer interface {
	Enqueue(chatJID, body string) (string, error)
}

// Server is the WebSocket gateway the local frontend connects to. Commands
// arrive as JSON envelopes; domain events from the bus are broadcast to all
// connected clients as envelopes of the same shape.
type Server struct {
	addr     string
	bus      *bus.Bus
	db       *store.DB
	views    Views
	enqueuer Enqueuer
	upstream Upstream
	machine  *status.Machine
	logger   *zap.Logger

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, env)
}

// NewServer creates a new gateway server listening on addr.
func NewServer(addr string, b *bus.Bus, db *store.DB, views Views, enqueuer Enqueuer, upstream Upstream, machine *status.Machine, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		bus:      b,
		db:       db,
		views:    views,
		enqueuer: enqueuer,
		upstream: upstream,
		machine:  machine,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// Start binds the listener and begins serving. Returns once the listener is
// bound so callers know the port is taken.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	go s.broadcastLoop(ctx)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", zap.Error(err))
		}
	}()

	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the server down, closing all client connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	<-s.done

	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The gateway serves a local frontend only.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	// Greet with the current connection status so the frontend never has to
	// wait for the next transition to know where things stand.
	_ = c.send(r.Context(), Envelope{
		Type: "connection_status",
		Data: connectionStatusData{Status: string(s.machine.Current())},
	})

	for {
		var env inboundEnvelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			if websocket.CloseStatus(err) == -1 && r.Context().Err() == nil {
				s.logger.Debug("client read error", zap.Error(err))
			}
			return
		}
		s.dispatch(r.Context(), c, env)
	}
}

func (s *Server) broadcast(env Envelope) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(context.Background(), env); err != nil {
			s.logger.Debug("broadcast to client failed", zap.String("type", env.Type), zap.Error(err))
		}
	}
}
