// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sweep runs the runtime's periodic housekeeping on a cron engine:
// correlation expiry, heartbeat staleness, health evaluation, archive
// pruning. Jobs are skipped while a previous run is still going and a
// panicking job never takes the engine down.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultJobTimeout bounds one job run when the job declares no budget.
const DefaultJobTimeout = time.Minute

// Job is one periodic housekeeping task. Run reports how many items it
// touched; the count feeds the per-run log line.
type Job struct {
	// Name identifies the job in logs. Required, unique per runner.
	Name string

	// Spec is a standard five-field cron expression or a descriptor such
	// as "@every 10s".
	Spec string

	// Run does the work. Required.
	Run func(ctx context.Context) (int, error)

	// Timeout bounds one run. Zero means DefaultJobTimeout.
	Timeout time.Duration
}

// Runner schedules sweep jobs on a shared cron engine. Jobs may be added
// before or after Start.
type Runner struct {
	mu      sync.Mutex
	engine  *cron.Cron
	entries map[string]cron.EntryID
	running map[string]bool

	logger *zap.Logger
}

// NewRunner builds an empty runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:  cron.New(),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
		logger:  logger,
	}
}

// Add registers a job with the engine.
func (r *Runner) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	entryID, err := r.engine.AddFunc(job.Spec, r.wrap(job))
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	r.entries[job.Name] = entryID
	r.logger.Info("sweep job registered",
		zap.String("job", job.Name),
		zap.String("spec", job.Spec))
	return nil
}

// Remove drops a job from the engine. Unknown names are a no-op.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, exists := r.entries[name]; exists {
		r.engine.Remove(entryID)
		delete(r.entries, name)
	}
}

// Jobs lists registered job names in order.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing jobs on their schedules.
func (r *Runner) Start() {
	r.engine.Start()
	r.logger.Info("sweep engine started", zap.Int("jobs", len(r.Jobs())))
}

// Stop halts scheduling and waits for in-flight runs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.engine.Stop()
	select {
	case <-done.Done():
		r.logger.Info("sweep engine stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("sweep engine stop timed out with runs in flight")
		return ctx.Err()
	}
}

// wrap turns a job into a cron func with overlap skipping, a run budget,
// and panic containment.
func (r *Runner) wrap(job Job) func() {
	return func() {
		r.mu.Lock()
		if r.running[job.Name] {
			r.mu.Unlock()
			r.logger.Debug("sweep still running, skipping tick", zap.String("job", job.Name))
			return
		}
		r.running[job.Name] = true
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.running, job.Name)
			r.mu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("sweep panicked",
					zap.String("job", job.Name),
					zap.Any("panic", rec))
			}
		}()

		timeout := job.Timeout
		if timeout <= 0 {
			timeout = DefaultJobTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		swept, err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			r.logger.Warn("sweep failed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return
		}
		if swept > 0 {
			r.logger.Info("sweep completed",
				zap.String("job", job.Name),
				zap.Int("swept", swept),
				zap.Duration("elapsed", elapsed))
			return
		}
		r.logger.Debug("sweep completed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", elapsed))
	}
}
