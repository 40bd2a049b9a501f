// Package task implements the operation queue: the task model, the
// admission scheduler, and the worker that executes tasks against the
// cloud adapter and the local filesystem.
package task

import "time"

// Kind identifies the operation a task performs.
type Kind string

const (
	KindUpload         Kind = "upload"
	KindUploadFolder   Kind = "uploadFolder"
	KindDownload       Kind = "download"
	KindDownloadFolder Kind = "downloadFolder"
	KindDelete         Kind = "delete"
	KindMove           Kind = "move"
	KindCreateFolder   Kind = "createFolder"
	KindCopyFile       Kind = "copyFile"
	KindCopyFolder     Kind = "copyFolder"
)

// Status is a task's lifecycle state.
type Status string

const (
	// StatusPending means the task is waiting for admission.
	StatusPending Status = "pending"

	// StatusRunning means the task has been admitted and its worker is
	// executing I/O.
	StatusRunning Status = "running"

	// StatusPaused means the task is excluded from admission until
	// resumed. A paused task never counts toward any admission limit.
	StatusPaused Status = "paused"

	// StatusCompleted means the task finished successfully. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed means the task's I/O failed. Terminal; Err is set.
	StatusFailed Status = "failed"

	// StatusCancelled means the task was cancelled before or during
	// execution. Terminal.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is the scheduler's unit of work. Created by the reconciliation
// engine or by an observer surface for ad-hoc operations; mutated only
// by the scheduler; evicted from the visible queue once terminal and
// acknowledged.
type Task struct {
	// ID is a uuid assigned at submission.
	ID string

	// Kind selects the operation; Payload carries its parameters.
	Kind Kind

	// DisplayName is what observers show for this task.
	DisplayName string

	// AccountID is the destination account. Empty denotes the local
	// filesystem; local-destination tasks still count toward the
	// global cap and toward their (empty) account's caps.
	AccountID string

	// Status is the lifecycle state.
	Status Status

	// Progress is the completed fraction in [0,1].
	Progress float64

	// Payload holds the kind-specific parameters.
	Payload Payload

	// Err is the failure message when Status is failed.
	Err string

	// SubmittedAt orders admission scans.
	SubmittedAt time.Time
}
