package daemon

import (
	"context"

	"github.com/matheus3301/wabd/internal/bus"
	"github.com/matheus3301/wabd/internal/config"
	"github.com/matheus3301/wabd/internal/gateway"
	"github.com/matheus3301/wabd/internal/lock"
	"github.com/matheus3301/wabd/internal/logging"
	"github.com/matheus3301/wabd/internal/outbox"
	"github.com/matheus3301/wabd/internal/session"
	"github.com/matheus3301/wabd/internal/status"
	"github.com/matheus3301/wabd/internal/store"
	intsync "github.com/matheus3301/wabd/internal/sync"
	"github.com/matheus3301/wabd/internal/view"
	"github.com/matheus3301/wabd/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Listen      string // optional override for the config listen address
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideReconciler,
			provideLiveProcessor,
			provideSyncEngine,
			provideProjector,
			provideSender,
			provideSupervisor,
			provideGateway,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, logger)
}

func provideLiveProcessor(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.LiveProcessor {
	return intsync.NewLiveProcessor(db, b, logger)
}

func provideSyncEngine(b *bus.Bus, r *intsync.Reconciler, l *intsync.LiveProcessor, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(b, r, l, logger)
}

func provideProjector(db *store.DB, b *bus.Bus, adapter *wa.Adapter, cfg *config.Config, logger *zap.Logger) *view.Projector {
	return view.NewProjector(db, b, adapter, cfg.BackfillTimeout(), cfg.Backfill.Count, logger)
}

func provideSender(db *store.DB, b *bus.Bus, adapter *wa.Adapter, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, b, adapter, logger)
}

func provideSupervisor(adapter *wa.Adapter, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *wa.Supervisor {
	return wa.NewSupervisor(adapter, b, machine, logger, cfg.Reconnect.MaxAttempts, cfg.ReconnectDelay())
}

func provideGateway(p Params, b *bus.Bus, db *store.DB, projector *view.Projector, sender *outbox.Sender, adapter *wa.Adapter, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *gateway.Server {
	listen := cfg.Listen
	if p.Listen != "" {
		listen = p.Listen
	}
	return gateway.NewServer(listen, b, db, projector, sender, adapter, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *gateway.Server, lk *lock.Lock, adapter *wa.Adapter, engine *intsync.Engine, projector *view.Projector, sender *outbox.Sender, supervisor *wa.Supervisor, machine *status.Machine, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	var stopRetention func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion first: the engine must be subscribed before the
			// adapter can deliver anything.
			engine.Start()
			projector.Start()

			handler := wa.NewEventHandler(b, machine, adapter, logger)
			adapter.RegisterEventHandler(handler.Handle)

			if err := srv.Start(); err != nil {
				return err
			}

			sender.Start()
			supervisor.Start(context.Background())
			stopRetention = startRetentionSweep(db, cfg.RetentionHorizon(), logger)

			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = machine.Transition(status.Failed)
					}
				}()
			} else {
				logger.Info("no credentials found, starting QR pairing")
				_ = machine.Transition(status.AuthRequired)
				go runQRAuth(adapter, db, logger)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopRetention != nil {
				stopRetention()
			}
			supervisor.Stop()
			sender.Stop()
			engine.Stop()
			projector.Stop()
			adapter.Disconnect()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("gateway shutdown error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runQRAuth drives one QR pairing flow. The resulting auth events reach the
// frontend via the bus; this loop logs the outcome and records the
// first-login marker.
func runQRAuth(adapter *wa.Adapter, db *store.DB, logger *zap.Logger) {
	events, err := adapter.StartQRAuth(context.Background())
	if err != nil {
		logger.Error("QR auth start failed", zap.Error(err))
		return
	}
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			logger.Info("QR code generated")
		case wa.AuthEventAuthenticated:
			logger.Info("authenticated")
			if _, done, _ := db.GetSetting(store.SettingFirstLoginDone); !done {
				if err := db.SetSetting(store.SettingFirstLoginDone, "1"); err != nil {
					logger.Warn("failed to record first login", zap.Error(err))
				}
			}
		case wa.AuthEventTimeout:
			logger.Warn("QR pairing timed out")
		case wa.AuthEventAuthFailed:
			logger.Error("authentication failed", zap.String("reason", evt.Message))
		}
	}
}
