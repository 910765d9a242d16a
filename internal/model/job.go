package model

import "time"

// JobStatus is the state of a background maintenance job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a persisted background maintenance run.
type Job struct {
	ID          string     `json:"job_id"`
	Kind        string     `json:"kind"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TenantStats is the asynchronously maintained per-tenant aggregate.
type TenantStats struct {
	TenantID         string    `json:"tenant_id"`
	Events           int       `json:"events"`
	Chunks           int       `json:"chunks"`
	ActiveDecisions  int       `json:"active_decisions"`
	ActiveCapsules   int       `json:"active_capsules"`
	PendingEdits     int       `json:"pending_edits"`
	ApprovedEdits    int       `json:"approved_edits"`
	RefreshedAt      time.Time `json:"refreshed_at"`
	StalenessSeconds int       `json:"staleness_seconds"`
}
