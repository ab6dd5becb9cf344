package upload

import (
	"errors"
	"fmt"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

var (
	ErrTaskNotFound = errors.New("upload task not found")
	ErrNotFailed    = errors.New("upload task has not failed")
)

// Status is a task's position in pending -> uploading -> done|failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Task is one queued file.
type Task struct {
	ID       string         `json:"id"`
	File     apiclient.File `json:"-"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
	Progress int            `json:"progress"`
	Status   Status         `json:"status"`
	Err      string         `json:"error,omitempty"`

	// StagedID links the task to the staging store entry it was read from.
	StagedID string `json:"staged_id,omitempty"`
}

// Event reports a change to a single task.
type Event struct {
	PatientID string `json:"patient_id"`
	TaskID    string `json:"task_id"`
	Filename  string `json:"filename"`
	Progress  int    `json:"progress"`
	Status    Status `json:"status"`
}

// Summary counts the queue by status.
type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
}

// BatchError is the Failed(reason) outcome of a run. TaskID is empty when a
// multi-file request failed as a whole.
type BatchError struct {
	TaskID   string
	Filename string
	Err      error
}

func (e *BatchError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return fmt.Sprintf("upload of %s failed: %v", e.Filename, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
