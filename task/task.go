package task

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

func (m Mode) Valid() bool {
	return m == ModeVideo || m == ModeAudio
}

var (
	ErrNotFound       = errors.New("task not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// NotFoundMessage is the error text carried by the stream event emitted for
// an unknown or evicted task id. Clients match on it to tell a missing task
// apart from a generic failure.
const NotFoundMessage = "task not found"

type Task struct {
	ID         string    `json:"id"`
	SourceURL  string    `json:"url"`
	Mode       Mode      `json:"type"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"` // 0-100, non-decreasing while running
	Message    string    `json:"message"`
	ResultPath string    `json:"-"` // set only on completion
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProgressEvent is one frame of a task's progress stream.
type ProgressEvent struct {
	Progress    int    `json:"progress"`
	Message     string `json:"message"`
	Status      string `json:"status,omitempty"` // "completed" or "failed", only on the last frame
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunnerEvent is what a runner handle reports back to the engine.
// Percent is -1 when the underlying output line carried no percentage.
type RunnerEvent struct {
	Percent    int
	Message    string
	Terminal   bool
	OutputPath string // set on terminal success
	Err        error  // set on terminal failure
}

// Runner launches the external fetch/transcode executable for one task.
// Implementations must never block the engine: events go through a buffered
// channel that the handle closes after its terminal event.
type Runner interface {
	Start(ctx context.Context, taskID, sourceURL string, mode Mode) (RunnerHandle, error)
}

type RunnerHandle interface {
	// Events yields progress events and exactly one terminal event, then closes.
	Events() <-chan RunnerEvent
	// Cancel terminates the child process. No events are emitted afterward.
	Cancel()
}
