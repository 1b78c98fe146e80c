package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

type WorkerPoolConfig struct {
	Size int
}

// WorkerPool runs per-record tasks on a bounded ants pool
type WorkerPool struct {
	pool   *ants.Pool
	logger *slog.Logger
}

func NewWorkerPool(config WorkerPoolConfig, logger *slog.Logger) (*WorkerPool, error) {
	pool, err := ants.NewPool(config.Size)
	if err != nil {
		return nil, err
	}

	return &WorkerPool{
		pool:   pool,
		logger: logger,
	}, nil
}

// RunAll submits every task and waits for all of them. A task the pool refuses
// runs on the caller's goroutine so no claimed record is left behind.
func (w *WorkerPool) RunAll(ctx context.Context, tasks []func(context.Context)) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			task(ctx)
		})
		if err != nil {
			w.logger.Warn("Worker pool rejected task, running inline", "error", err)
			task(ctx)
			wg.Done()
		}
	}
	wg.Wait()
}

// Shutdown gracefully shuts down the worker pool.
func (w *WorkerPool) Shutdown() {
	w.logger.Info("Shutting down worker pool", "running_workers", w.pool.Running())
	w.pool.Release()
}

// Running returns the number of running workers in the pool.
func (w *WorkerPool) Running() int {
	return w.pool.Running()
}

// Capacity returns the capacity of the worker pool.
func (w *WorkerPool) Capacity() int {
	return w.pool.Cap()
}

// SequentialRunner processes tasks one after another on the caller's goroutine
type SequentialRunner struct{}

func (SequentialRunner) RunAll(ctx context.Context, tasks []func(context.Context)) {
	for _, task := range tasks {
		task(ctx)
	}
}
