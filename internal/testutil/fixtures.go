package testutil

import (
	"fmt"
	"sync/atomic"

	"bili-downloader/internal/domain"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// TaskOptions allows customizing task fixture creation
type TaskOptions struct {
	ID        string
	Status    domain.TaskStatus
	Phase     domain.TaskPhase
	Filename  string
	SessionID string
}

// NewTestTask creates a task fixture with sensible defaults.
// Pass options to override specific fields.
func NewTestTask(opts ...func(*TaskOptions)) *domain.Task {
	o := &TaskOptions{
		ID:     nextID("task"),
		Status: domain.StatusStarting,
		Phase:  domain.PhaseInit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &domain.Task{
		ID:        o.ID,
		Status:    o.Status,
		Phase:     o.Phase,
		Filename:  o.Filename,
		SessionID: o.SessionID,
	}
}

// WithTaskStatus overrides the task status
func WithTaskStatus(s domain.TaskStatus) func(*TaskOptions) {
	return func(o *TaskOptions) { o.Status = s }
}

// WithTaskOwner overrides the owning session token
func WithTaskOwner(token string) func(*TaskOptions) {
	return func(o *TaskOptions) { o.SessionID = token }
}
