package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aetherhq/aether/pkg/flow"
	"github.com/aetherhq/aether/pkg/metrics"
)

// WorkerPool manages a pool of queue workers plus the background
// maintenance loops: orphan-job recovery and projection refresh.
type WorkerPool struct {
	podID   string
	store   Store
	engine  *flow.Engine
	config  *Config
	metrics *metrics.Metrics

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewWorkerPool creates a worker pool. m may be nil.
func NewWorkerPool(podID string, store Store, engine *flow.Engine, cfg *Config, m *metrics.Metrics) *WorkerPool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &WorkerPool{
		podID:   podID,
		store:   store,
		engine:  engine,
		config:  cfg,
		metrics: m,
		workers: make([]*Worker, 0, cfg.Workers),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns worker goroutines and the maintenance loops. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.config.Workers)

	for i := 0; i < p.config.Workers; i++ {
		worker := NewWorker(fmt.Sprintf("%s-worker-%d", p.podID, i),
			p.store, p.engine, p.config, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.runProjectionRefresh(ctx)
	}()
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("stopping worker pool", "pod_id", p.podID)
	for _, worker := range p.workers {
		worker.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

// Health returns the per-worker health snapshots.
func (p *WorkerPool) Health() []WorkerHealth {
	out := make([]WorkerHealth, len(p.workers))
	for i, worker := range p.workers {
		out[i] = worker.Health()
	}
	return out
}

// runOrphanScan re-queues running jobs whose lock went stale. Every
// replica runs this independently; the operation is idempotent and replay
// is absorbed by the step cache.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.RequeueOrphans(ctx, p.config.OrphanThreshold)
			if err != nil {
				slog.Error("orphan scan failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("requeued orphaned jobs", "count", n)
			}
		}
	}
}

// runProjectionRefresh keeps the read views warm. Failures back off
// exponentially up to a minute, then the regular cadence resumes on the
// next success.
func (p *WorkerPool) runProjectionRefresh(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.MVRefreshInterval
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	wait := p.config.MVRefreshInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(wait):
		}

		if err := p.store.RefreshMaterializedViews(ctx); err != nil {
			wait = bo.NextBackOff()
			slog.Warn("projection refresh failed", "error", err, "retry_in", wait)
			continue
		}
		bo.Reset()
		wait = p.config.MVRefreshInterval
	}
}
