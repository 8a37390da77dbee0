package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/observability"
	"go.uber.org/zap"
)

// RegistrationWorker polls open registrations and reconciles each against
// vendor-side truth.
type RegistrationWorker struct {
	store      collection.Store
	reconciler *collection.Reconciler
	interval   time.Duration
	batchSize  int32
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewRegistrationWorker constructs a worker with a default poll interval.
func NewRegistrationWorker(store collection.Store, reconciler *collection.Reconciler) *RegistrationWorker {
	return &RegistrationWorker{
		store:      store,
		reconciler: reconciler,
		interval:   time.Minute,
		batchSize:  100,
		stopCh:     make(chan struct{}),
	}
}

// WithInterval updates the poll interval.
func (w *RegistrationWorker) WithInterval(interval time.Duration) *RegistrationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithBatchSize updates the per-poll claim size.
func (w *RegistrationWorker) WithBatchSize(size int32) *RegistrationWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and reconciles pending registrations at the configured interval.
func (w *RegistrationWorker) Start(ctx context.Context) {
	zap.L().Info("registration worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("registration worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("registration worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *RegistrationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RegistrationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *RegistrationWorker) runOnce(ctx context.Context) {
	pending, err := w.store.Queries().ListPendingRegistrations(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("registration", "failed")
		zap.L().Error("list pending registrations failed", zap.Error(err))
		return
	}

	for _, acct := range pending {
		if ctx.Err() != nil {
			return
		}
		result, err := w.reconciler.Reconcile(ctx, acct.ID)
		if err != nil {
			// Locked rows and transient vendor errors come around on
			// the next poll.
			if errors.Is(err, collection.ErrDuplicateAttempt) || errors.Is(err, collection.ErrVendorTransient) {
				continue
			}
			zap.L().Warn("registration reconcile failed",
				zap.Error(err),
				zap.String("registration_id", acct.ID.String()),
				zap.String("vendor", acct.Vendor.String()),
			)
			continue
		}
		zap.L().Debug("registration reconciled",
			zap.String("registration_id", acct.ID.String()),
			zap.String("status", result.Status),
		)
	}
	observability.IncrementWorkerRun("registration", "success")
}
