package model

import "time"

// DecisionStatus is the lifecycle state of a decision.
type DecisionStatus string

const (
	DecisionActive     DecisionStatus = "active"
	DecisionSuperseded DecisionStatus = "superseded"
)

// Decision records a choice an agent or human made, with its reasoning.
type Decision struct {
	ID           string         `json:"decision_id"`
	TenantID     string         `json:"tenant_id"`
	Scope        Scope          `json:"scope"`
	Decision     string         `json:"decision"`
	Rationale    []string       `json:"rationale,omitempty"`
	Constraints  []string       `json:"constraints,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Consequences []string       `json:"consequences,omitempty"`
	Refs         []string       `json:"refs,omitempty"`
	SubjectType  string         `json:"subject_type,omitempty"`
	SubjectID    string         `json:"subject_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	Status       DecisionStatus `json:"status"`
	TS           time.Time      `json:"ts"`
}
