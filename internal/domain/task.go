package domain

import "time"

// TaskStatus is the lifecycle of a reconciliation task run.
type TaskStatus string

const (
	TaskStatusNone      TaskStatus = "NONE"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusError     TaskStatus = "ERROR"
)

// Task is the persisted state of one reconciliation job, keyed by (type,
// param). Cursor is the last fully processed checkpoint; on restart the task
// resumes strictly after it.
type Task struct {
	Type      string
	Param     string
	Cursor    string
	Status    TaskStatus
	LastError string
	RunID     string
	StartedAt *time.Time
	UpdatedAt time.Time
}
