// Package scheduler runs the periodic dispatch workers on cron intervals.
// Each task carries its own idle/running flag so an overlapping firing is
// skipped instead of stacking, and a slow run never blocks the others.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

const (
	taskIdle    int32 = 0
	taskRunning int32 = 1
)

var taskRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "smsflow",
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Periodic task firings by outcome.",
	},
	[]string{"task", "result"},
)

// Task is one periodic worker registered with the scheduler.
type Task struct {
	Name    string
	Spec    string // cron spec or @every descriptor
	Timeout time.Duration
	Run     func(ctx context.Context) error

	state int32
}

// Scheduler supervises the periodic tasks.
type Scheduler struct {
	cron  *cron.Cron
	tasks []*Task
}

// New creates a scheduler. Tasks are registered with Register before Start.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
	}
}

// Register adds a task to the schedule.
func (s *Scheduler) Register(task *Task) error {
	_, err := s.cron.AddFunc(task.Spec, func() { s.fire(task) })
	if err != nil {
		return err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// fire runs one task invocation. A task that is still running from the
// previous firing is skipped and logged, never run twice concurrently.
func (s *Scheduler) fire(task *Task) {
	if !atomic.CompareAndSwapInt32(&task.state, taskIdle, taskRunning) {
		slog.Warn("periodic task still running, skipping", "task", task.Name)
		taskRuns.WithLabelValues(task.Name, "skipped").Inc()
		return
	}
	defer atomic.StoreInt32(&task.state, taskIdle)

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	err := task.Run(ctx)
	elapsed := time.Since(started)

	if err != nil {
		slog.Error("periodic task failed", "task", task.Name, "duration", elapsed, "error", err)
		taskRuns.WithLabelValues(task.Name, "error").Inc()
		return
	}
	slog.Debug("periodic task completed", "task", task.Name, "duration", elapsed)
	taskRuns.WithLabelValues(task.Name, "ok").Inc()
}

// Running reports whether the named task is currently executing.
func (s *Scheduler) Running(name string) bool {
	for _, task := range s.tasks {
		if task.Name == name {
			return atomic.LoadInt32(&task.state) == taskRunning
		}
	}
	return false
}

// Start begins firing tasks on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop halts scheduling and waits for in-flight task runs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
