package daemon

import (
	"time"

	"github.com/matheus3301/wabd/internal/store"
	"go.uber.org/zap"
)

// startRetentionSweep purges messages older than the retention horizon once
// at startup and then daily. Returns a stop function. A zero horizon
// disables retention entirely.
func startRetentionSweep(db *store.DB, horizon time.Duration, logger *zap.Logger) func() {
	if horizon <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			sweep(db, horizon, logger)
			select {
			case <-ticker.C:
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func sweep(db *store.DB, horizon time.Duration, logger *zap.Logger) {
	cutoff := time.Now().Add(-horizon).UnixMilli()
	purged, err := db.PurgeMessagesBefore(cutoff)
	if err != nil {
		logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		logger.Info("retention sweep purged messages",
			zap.Int64("purged", purged),
			zap.Duration("horizon", horizon))
	}
}
