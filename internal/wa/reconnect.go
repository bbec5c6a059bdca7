package wa

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/status"
	"go.uber.org/zap"
)

// Connector is the subset of the adapter the reconnect supervisor drives.
type Connector interface {
	Connect() error
	WipeCredentials(ctx context.Context) error
}

// Supervisor applies the reconnect policy to session lifecycle events:
// a dropped connection gets a bounded number of fixed-delay retries, a
// forced logout gets a credential wipe and an immediate fresh attempt.
type Supervisor struct {
	conn        Connector
	bus         *bus.Bus
	machine     *status.Machine
	logger      *zap.Logger
	maxAttempts int
	delay       time.Duration

	mu       sync.Mutex
	attempts int
	cancel   context.CancelFunc
}

// NewSupervisor creates a reconnect supervisor.
func NewSupervisor(conn Connector, b *bus.Bus, machine *status.Machine, logger *zap.Logger, maxAttempts int, delay time.Duration) *Supervisor {
	return &Supervisor{
		conn:        conn,
		bus:         b,
		machine:     machine,
		logger:      logger,
		maxAttempts: maxAttempts,
		delay:       delay,
	}
}

// Start subscribes to session lifecycle events on the bus.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("session.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the supervisor.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Attempts returns the current reconnect attempt counter.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnected:
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
	case bus.KindDisconnected:
		s.scheduleReconnect(ctx)
	case bus.KindLoggedOut:
		s.handleForcedLogout(ctx)
	}
}

// scheduleReconnect retries the connection after the fixed delay, up to the
// attempt bound. Exhaustion is terminal: a connection_failed notification is
// published and no further automatic attempt is made.
func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.attempts >= s.maxAttempts {
		s.mu.Unlock()
		s.logger.Error("reconnect attempts exhausted", zap.Int("max_attempts", s.maxAttempts))
		_ = s.machine.Transition(status.Failed)
		s.bus.Publish(bus.Event{
			Kind:      bus.KindConnectionFailed,
			Timestamp: time.Now(),
			Payload:   "reconnect attempts exhausted",
		})
		return
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", s.maxAttempts),
		zap.Duration("delay", s.delay))

	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	_ = s.machine.Transition(status.Connecting)
	if err := s.conn.Connect(); err != nil {
		s.logger.Error("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		// A failed dial produces no Disconnected event, so re-enter the
		// retry path ourselves.
		_ = s.machine.Transition(status.Reconnecting)
		s.scheduleReconnect(ctx)
	}
}

// handleForcedLogout wipes local credentials, resets the retry budget, and
// immediately attempts a fresh connection so the user is prompted to pair
// again without waiting out a backoff delay.
func (s *Supervisor) handleForcedLogout(ctx context.Context) {
	s.logger.Warn("forced logout, wiping credentials")

	if err := s.conn.WipeCredentials(ctx); err != nil {
		s.logger.Error("failed to wipe credentials", zap.Error(err))
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	_ = s.machine.Transition(status.Connecting)
	if err := s.conn.Connect(); err != nil {
		s.logger.Error("fresh connection after logout failed", zap.Error(err))
	}
}
