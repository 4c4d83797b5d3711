package corrections

import (
	"context"
	"time"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
)

// CleanupWorker runs Cleanup on a fixed interval until its context ends.
type CleanupWorker struct {
	log      *Log
	interval time.Duration
	logger   kvstore.Logger
}

func NewCleanupWorker(log *Log, interval time.Duration, logger kvstore.Logger) *CleanupWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupWorker{log: log, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. It does not clean up on start.
func (w *CleanupWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *CleanupWorker) RunOnce(ctx context.Context) {
	removed, err := w.log.Cleanup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logf("corrections cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		w.logf("corrections cleanup removed %d entries", removed)
	}
}

func (w *CleanupWorker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
