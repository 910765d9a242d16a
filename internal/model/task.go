package model

import "time"

// TaskStatus is the state of a task.
type TaskStatus string

const (
	TaskOpen TaskStatus = "open"
	TaskDone TaskStatus = "done"
)

// Task is a unit of agent work that may depend on other tasks.
type Task struct {
	ID        string     `json:"task_id"`
	TenantID  string     `json:"tenant_id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Blocks    []string   `json:"blocks,omitempty"`
	TS        time.Time  `json:"ts"`
}
