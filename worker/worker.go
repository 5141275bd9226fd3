// Package worker finalizes log records in the background: it fills missing
// token counts, computes cost, and stamps finalizedAt, under a cooperative
// database lease so only one instance works at a time.
package worker

import (
	"context"
	"time"

	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/metrics"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/store"
	"github.com/AltairaLabs/llmgateway/types"
	"github.com/AltairaLabs/llmgateway/usage"
)

// lockKey names the lease row for this job.
const lockKey = "finalize-logs"

const (
	defaultInterval     = 30 * time.Second
	defaultLockDuration = 10 * time.Minute
	defaultBatchSize    = 50
)

// Store is the persistence surface the worker needs.
type Store interface {
	AcquireLock(ctx context.Context, key string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	PendingLogs(ctx context.Context, limit int) ([]store.LogRecord, error)
	FinalizeLog(ctx context.Context, rec *store.LogRecord) error
}

// Worker is the finalization loop.
type Worker struct {
	store    Store
	registry *registry.Registry

	interval     time.Duration
	lockDuration time.Duration
	batchSize    int
}

// Options configure a Worker. Zero values take defaults.
type Options struct {
	Interval     time.Duration
	LockDuration time.Duration
	BatchSize    int
}

// New creates a Worker.
func New(st Store, reg *registry.Registry, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = defaultLockDuration
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Worker{
		store:        st,
		registry:     reg,
		interval:     opts.Interval,
		lockDuration: opts.LockDuration,
		batchSize:    opts.BatchSize,
	}
}

// Run ticks until the context ends. Each tick acquires the lease, finalizes
// one batch, and releases the lease; a held lease skips the tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("finalization tick failed", "error", err)
			}
		}
	}
}

// Tick runs one finalization pass. Exported so deployments can trigger a pass
// out of band.
func (w *Worker) Tick(ctx context.Context) error {
	acquired, err := w.store.AcquireLock(ctx, lockKey, w.lockDuration)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("finalization lease held elsewhere, skipping tick")
		return nil
	}
	defer func() {
		if err := w.store.ReleaseLock(ctx, lockKey); err != nil {
			logger.Error("releasing finalization lease", "error", err)
		}
	}()

	pending, err := w.store.PendingLogs(ctx, w.batchSize)
	if err != nil {
		return err
	}

	for i := range pending {
		rec := &pending[i]
		if err := w.finalize(ctx, rec); err != nil {
			// The row stays pending for the next tick.
			metrics.RecordFinalization("error")
			logger.Error("finalizing log record failed", "id", rec.ID, "error", err)
			continue
		}
		metrics.RecordFinalization("success")
	}
	return nil
}

// finalize fills missing token counts and prices the record.
func (w *Worker) finalize(ctx context.Context, rec *store.LogRecord) error {
	u := types.Usage{
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		ReasoningTokens:  rec.ReasoningTokens,
		CachedTokens:     rec.CachedTokens,
		TotalTokens:      rec.TotalTokens,
	}
	usage.Finalize(&u, nil, rec.Content)

	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	rec.TotalTokens = u.TotalTokens

	if pm := w.mappingFor(rec); pm != nil {
		rec.InputCost, rec.OutputCost, rec.CachedInputCost = usage.CostParts(u, pm)
		rec.Cost = usage.Cost(u, pm)
		metrics.RecordCost(rec.UsedProvider, rec.UsedModel, rec.Cost)
	}

	return w.store.FinalizeLog(ctx, rec)
}

// mappingFor finds the pricing mapping the record was served with.
func (w *Worker) mappingFor(rec *store.LogRecord) *registry.ProviderMapping {
	model, ok := w.registry.Model(rec.UsedModel)
	if !ok {
		return nil
	}
	for i := range model.Mappings {
		if model.Mappings[i].Provider == rec.UsedProvider {
			return &model.Mappings[i]
		}
	}
	return nil
}
