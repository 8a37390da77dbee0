package worker

import (
	"context"
	"sync"
	"time"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/observability"
	"go.uber.org/zap"
)

// CollectionWorker drains the due-obligation backlog. The cron scheduler
// triggers ProcessOnce on the configured spec; overlapping triggers are
// collapsed into one run.
type CollectionWorker struct {
	orchestrator *collection.Orchestrator
	batchSize    int32
	timeout      time.Duration
	mu           sync.Mutex
	running      bool
}

func NewCollectionWorker(orchestrator *collection.Orchestrator) *CollectionWorker {
	return &CollectionWorker{
		orchestrator: orchestrator,
		batchSize:    500,
		timeout:      30 * time.Minute,
	}
}

// WithBatchSize updates the per-run claim size.
func (w *CollectionWorker) WithBatchSize(size int32) *CollectionWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// WithTimeout bounds one batch run.
func (w *CollectionWorker) WithTimeout(timeout time.Duration) *CollectionWorker {
	if timeout > 0 {
		w.timeout = timeout
	}
	return w
}

// ProcessOnce collects everything currently due. Safe to call from the cron
// scheduler; a trigger arriving mid-run is dropped.
func (w *CollectionWorker) ProcessOnce(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		zap.L().Warn("collection run still in progress, skipping trigger")
		observability.IncrementWorkerRun("collection", "skipped")
		return
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	result, err := w.orchestrator.ProcessDueBatch(runCtx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("collection", "failed")
		zap.L().Error("collection batch run failed", zap.Error(err))
		return
	}

	observability.IncrementWorkerRun("collection", "success")
	zap.L().Info("collection batch run finished",
		zap.Int("accounts", result.Accounts),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("pending", result.Pending),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", time.Since(start)),
	)
}
