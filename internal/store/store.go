// Package store provides the durable record store: immutable events and
// chunks, decisions, capsules, the edit ledger, tasks, and maintenance jobs,
// backed by SQLite.
package store

import (
	"time"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/search"
)

// DefaultImportance is assigned to chunks recorded without one.
const DefaultImportance = 0.5

// RecordEventParams holds parameters for appending an event. Chunk metadata
// is copied onto every chunk derived from the event text.
type RecordEventParams struct {
	TenantID    string
	SessionID   string
	Actor       model.Actor
	Kind        string
	Channel     model.Channel
	Sensitivity string
	Text        string
	Tags        []string
	TS          time.Time // zero means now

	Importance  *float64 // nil means DefaultImportance
	Scope       model.Scope
	SubjectType string
	SubjectID   string
	ProjectID   string
}

// TimelineParams selects chunks in time order.
type TimelineParams struct {
	TenantID string
	Filter   search.Filter
	Since    time.Time
	Until    time.Time
	Limit    int
}

// DecisionFilter narrows decision listings.
type DecisionFilter struct {
	Status    model.DecisionStatus // empty means any
	Scope     model.Scope
	ProjectID string
	SubjectID string
}

// EditFilter narrows ledger listings.
type EditFilter struct {
	TargetType model.TargetType
	TargetID   string
	Status     model.EditStatus
	Limit      int
}

// CapsuleFilter narrows capsule listings.
type CapsuleFilter struct {
	Status      model.CapsuleStatus // empty means any
	SubjectType string
	SubjectID   string
	ProjectID   string
	// NotExpiredAt keeps only capsules with expires_at after this instant.
	NotExpiredAt time.Time
}

// Snapshot is a tenant's full record set, ledger included.
type Snapshot struct {
	TenantID   string             `json:"tenant_id"`
	ExportedAt time.Time          `json:"exported_at"`
	Events     []model.Event      `json:"events"`
	Chunks     []model.Chunk      `json:"chunks"`
	Decisions  []model.Decision   `json:"decisions"`
	Edits      []model.MemoryEdit `json:"edits"`
	Capsules   []model.Capsule    `json:"capsules"`
	Tasks      []model.Task       `json:"tasks"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Events  int `json:"events"`
	Chunks  int `json:"chunks"`
	Skipped int `json:"skipped"`
}
