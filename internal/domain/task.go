package domain

import "errors"

var (
	ErrBusy           = errors.New("too many concurrent downloads")
	ErrToolMissing    = errors.New("merge tool not installed")
	ErrTaskNotFound   = errors.New("task not found")
	ErrSizeExceeded   = errors.New("stream exceeds size limit")
	ErrMergeFailed    = errors.New("merge failed")
	ErrPathEscape     = errors.New("path escapes download directory")
	ErrInvalidQuality = errors.New("invalid quality code")
	ErrInvalidURL     = errors.New("invalid video url")
	ErrNoStreams      = errors.New("no playable streams")
)

// TaskStatus is the lifecycle state of a download task.
// Completed and error are terminal: no transition leaves them.
type TaskStatus string

const (
	StatusStarting    TaskStatus = "starting"
	StatusDownloading TaskStatus = "downloading"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
)

// Active reports whether the task holds one of the admission slots.
func (s TaskStatus) Active() bool {
	return s == StatusStarting || s == StatusDownloading
}

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// TaskPhase is the pipeline step a task is currently in.
type TaskPhase string

const (
	PhaseInit    TaskPhase = "init"
	PhaseVideo   TaskPhase = "video"
	PhaseAudio   TaskPhase = "audio"
	PhaseMerging TaskPhase = "merging"
	PhaseDone    TaskPhase = "done"
)

// Task is one download-and-merge job. SessionID identifies the owning
// session, is immutable after creation and is never exposed to callers.
type Task struct {
	ID            string
	Status        TaskStatus
	Phase         TaskPhase
	ProgressVideo float64
	ProgressAudio float64
	Filename      string
	Error         string
	SessionID     string
}

// TaskView is the caller-facing snapshot of a task with the owning
// session stripped.
type TaskView struct {
	Status        TaskStatus `json:"status"`
	Phase         TaskPhase  `json:"phase"`
	ProgressVideo float64    `json:"progress_video"`
	ProgressAudio float64    `json:"progress_audio"`
	Filename      string     `json:"filename"`
	Error         string     `json:"error"`
}

// View returns the external snapshot of the task.
func (t *Task) View() TaskView {
	return TaskView{
		Status:        t.Status,
		Phase:         t.Phase,
		ProgressVideo: t.ProgressVideo,
		ProgressAudio: t.ProgressAudio,
		Filename:      t.Filename,
		Error:         t.Error,
	}
}

// validQualities is the fixed set of selectable quality codes.
var validQualities = map[int]bool{
	16:  true,
	32:  true,
	64:  true,
	80:  true,
	112: true,
	120: true,
}

// ValidQuality reports whether qn is a recognized quality code.
func ValidQuality(qn int) bool {
	return validQualities[qn]
}
