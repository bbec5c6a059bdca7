package sync

import (
	"context"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/wa"
	"go.uber.org/zap"
)

// Engine routes upstream adapter events to the reconciler and the live
// processor. All ingestion runs on a single goroutine: history deliveries
// and live messages are serialized, so the two write paths never race on
// the same chat row.
type Engine struct {
	bus        *bus.Bus
	reconciler *Reconciler
	live       *LiveProcessor
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(b *bus.Bus, r *Reconciler, l *LiveProcessor, logger *zap.Logger) *Engine {
	return &Engine{
		bus:        b,
		reconciler: r,
		live:       l,
		logger:     logger,
	}
}

// Start begins consuming upstream events. Returns immediately; processing
// continues until Stop is called.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	events, unsub := e.bus.Subscribe("wa.", 256)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				e.dispatch(evt)
			}
		}
	}()
}

// Stop shuts down the engine and waits for in-flight processing to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) dispatch(evt bus.Event) {
	switch evt.Kind {
	case bus.KindHistoryDelivery:
		d, ok := evt.Payload.(*wa.HistoryDelivery)
		if !ok {
			e.logger.Warn("unexpected history delivery payload", zap.String("kind", evt.Kind))
			return
		}
		e.reconciler.ProcessDelivery(d)
	case bus.KindLiveMessage:
		pm, ok := evt.Payload.(*wa.ParsedMessage)
		if !ok {
			e.logger.Warn("unexpected live message payload", zap.String("kind", evt.Kind))
			return
		}
		if err := e.live.ProcessMessage(pm); err != nil {
			e.logger.Error("live message ingestion failed",
				zap.String("chat", pm.ChatJID),
				zap.String("msg_id", pm.MsgID),
				zap.Error(err))
		}
	}
}
