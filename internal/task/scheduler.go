// Package task runs the pipeline's background work on fixed intervals.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/metrics"
)

// Task represents a background task
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// Func adapts a function into a Task.
func Func(name string, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, fn: fn}
}

// Scheduler runs its registered tasks in order, once per tick. A tick never
// overlaps the previous one.
type Scheduler struct {
	name    string
	metrics *metrics.Metrics

	mu      sync.Mutex
	tasks   []Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new task scheduler. m may be nil.
func NewScheduler(name string, m *metrics.Metrics) *Scheduler {
	return &Scheduler{name: name, metrics: m}
}

// RegisterTask adds a task to the scheduler
func (s *Scheduler) RegisterTask(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	logger.With(logger.Fields{logger.FieldComponent: s.name, logger.FieldTask: task.Name()}).
		Debug(context.Background(), "Task registered")
}

// RunOnce runs all registered tasks once. A failing task is logged and does
// not stop the ones after it. Returns the number of failed tasks.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	failed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return failed
		}
		start := time.Now()
		tctx := logger.WithFields(ctx, logger.Fields{
			logger.FieldComponent: s.name,
			logger.FieldTask:      t.Name(),
		})

		err := t.Run(tctx)
		status := "ok"
		if err != nil {
			status = "error"
			failed++
			logger.With(nil).WithDuration(start).Error(tctx, "Task failed: %v", err)
		} else {
			logger.With(nil).WithDuration(start).Debug(tctx, "Task completed")
		}
		if s.metrics != nil {
			s.metrics.TaskRuns.WithLabelValues(t.Name(), status).Inc()
		}
	}
	return failed
}

// StartPeriodic starts periodic execution of tasks
func (s *Scheduler) StartPeriodic(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Run immediately on start
		s.RunOnce(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	logger.With(logger.Fields{logger.FieldComponent: s.name, "interval": interval.String()}).
		Info(ctx, "Scheduler started")
}

// Stop cancels the current tick and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	logger.With(logger.Fields{logger.FieldComponent: s.name}).
		Info(context.Background(), "Scheduler stopped")
}
