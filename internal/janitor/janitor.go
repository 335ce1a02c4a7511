// Package janitor runs the periodic sweep over expired output files,
// finished task records and idle sessions.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"bili-downloader/internal/observability"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 10 * time.Minute

// FileSweeper removes expired output files.
type FileSweeper interface {
	SweepExpired(now time.Time) (int, error)
}

// TaskSweeper removes task records in terminal states.
type TaskSweeper interface {
	SweepFinished() int
}

// SessionSweeper evicts idle sessions and their credential files.
type SessionSweeper interface {
	Sweep(now time.Time) int
}

// Janitor ties the three sweeps to one timer. Each tick runs the steps
// independently; a failing step never blocks the others, and failures are
// not retried within the tick — the next tick retries naturally.
type Janitor struct {
	files    FileSweeper
	tasks    TaskSweeper
	sessions SessionSweeper
	interval time.Duration
}

// New creates a janitor sweeping at the default interval.
func New(files FileSweeper, tasks TaskSweeper, sessions SessionSweeper) *Janitor {
	return NewWithInterval(files, tasks, sessions, DefaultInterval)
}

// NewWithInterval creates a janitor with an explicit interval.
func NewWithInterval(files FileSweeper, tasks TaskSweeper, sessions SessionSweeper, interval time.Duration) *Janitor {
	return &Janitor{
		files:    files,
		tasks:    tasks,
		sessions: sessions,
		interval: interval,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping janitor")
			return
		case <-ticker.C:
			j.Tick(time.Now())
		}
	}
}

// Tick runs one sweep.
func (j *Janitor) Tick(now time.Time) {
	filesRemoved, err := j.files.SweepExpired(now)
	if err != nil {
		slog.Error("file sweep failed", slog.String("error", err.Error()))
	} else if filesRemoved > 0 {
		observability.JanitorRemovedTotal.WithLabelValues("files").Add(float64(filesRemoved))
	}

	tasksRemoved := j.tasks.SweepFinished()
	if tasksRemoved > 0 {
		observability.JanitorRemovedTotal.WithLabelValues("tasks").Add(float64(tasksRemoved))
	}

	sessionsRemoved := j.sessions.Sweep(now)
	if sessionsRemoved > 0 {
		observability.JanitorRemovedTotal.WithLabelValues("sessions").Add(float64(sessionsRemoved))
	}

	slog.Info("janitor sweep completed",
		slog.Int("files_removed", filesRemoved),
		slog.Int("tasks_removed", tasksRemoved),
		slog.Int("sessions_removed", sessionsRemoved))
}
