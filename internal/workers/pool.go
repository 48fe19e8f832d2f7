// Package workers wraps pond worker pools for the two classes of
// background work the conversation manager fires off without waiting:
// running AI jobs and persisting messages.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond"
)

// PoolManager owns the AI-job pool and the persistence pool.
type PoolManager struct {
	AIJobs      *pond.WorkerPool
	Persistence *pond.WorkerPool
}

// PoolConfig sizes each pool.
type PoolConfig struct {
	AIJobWorkers       int
	PersistenceWorkers int
}

// NewPoolManager builds both pools with a shared idle-timeout and
// minimum-worker setting.
func NewPoolManager(cfg PoolConfig) *PoolManager {
	if cfg.AIJobWorkers <= 0 {
		cfg.AIJobWorkers = 8
	}
	if cfg.PersistenceWorkers <= 0 {
		cfg.PersistenceWorkers = 4
	}
	return &PoolManager{
		AIJobs: pond.New(
			cfg.AIJobWorkers,
			cfg.AIJobWorkers*2,
			pond.MinWorkers(1),
			pond.IdleTimeout(30*time.Second),
		),
		Persistence: pond.New(
			cfg.PersistenceWorkers,
			cfg.PersistenceWorkers*2,
			pond.MinWorkers(1),
			pond.IdleTimeout(30*time.Second),
		),
	}
}

// SubmitAIJob runs task on the AI-job pool, recovering panics so one
// misbehaving engine can never take the pool down.
func (pm *PoolManager) SubmitAIJob(task func()) {
	pm.AIJobs.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ai job panicked", "error", r)
			}
		}()
		task()
	})
}

// SubmitPersistence runs task on the persistence pool.
func (pm *PoolManager) SubmitPersistence(task func()) {
	pm.Persistence.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("persistence task panicked", "error", r)
			}
		}()
		task()
	})
}

// SubmitAIJobWithTimeout runs task on the AI-job pool, returning ctx.Err()
// if it does not complete before timeout elapses.
func (pm *PoolManager) SubmitAIJobWithTimeout(ctx context.Context, task func(), timeout time.Duration) error {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{}, 1)
	pm.AIJobs.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ai job panicked", "error", r)
			}
			done <- struct{}{}
		}()
		task()
	})

	select {
	case <-done:
		return nil
	case <-taskCtx.Done():
		return taskCtx.Err()
	}
}

// GetStats reports running/idle/submitted/waiting/successful/failed task
// counts per pool, for the health endpoint.
func (pm *PoolManager) GetStats() map[string]any {
	return map[string]any{
		"ai_jobs": map[string]any{
			"running_workers":  pm.AIJobs.RunningWorkers(),
			"idle_workers":     pm.AIJobs.IdleWorkers(),
			"submitted_tasks":  pm.AIJobs.SubmittedTasks(),
			"waiting_tasks":    pm.AIJobs.WaitingTasks(),
			"successful_tasks": pm.AIJobs.SuccessfulTasks(),
			"failed_tasks":     pm.AIJobs.FailedTasks(),
		},
		"persistence": map[string]any{
			"running_workers":  pm.Persistence.RunningWorkers(),
			"idle_workers":     pm.Persistence.IdleWorkers(),
			"submitted_tasks":  pm.Persistence.SubmittedTasks(),
			"waiting_tasks":    pm.Persistence.WaitingTasks(),
			"successful_tasks": pm.Persistence.SuccessfulTasks(),
			"failed_tasks":     pm.Persistence.FailedTasks(),
		},
	}
}

// Shutdown drains both pools, logging progress as each one stops.
func (pm *PoolManager) Shutdown() {
	slog.Info("shutting down worker pools")
	pm.AIJobs.StopAndWait()
	slog.Info("ai job pool stopped")
	pm.Persistence.StopAndWait()
	slog.Info("persistence pool stopped")
	slog.Info("all worker pools shut down")
}
