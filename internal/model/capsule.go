package model

import "time"

// CapsuleStatus is the lifecycle state of a capsule.
// active -> revoked | expired, both terminal.
type CapsuleStatus string

const (
	CapsuleActive  CapsuleStatus = "active"
	CapsuleRevoked CapsuleStatus = "revoked"
	CapsuleExpired CapsuleStatus = "expired"
)

const (
	MinCapsuleTTLDays = 1
	MaxCapsuleTTLDays = 365
)

// CapsuleItems are the records a capsule points at.
type CapsuleItems struct {
	Chunks    []string `json:"chunks"`
	Decisions []string `json:"decisions"`
	Artifacts []string `json:"artifacts"`
}

// Capsule is a time-boxed, audience-restricted bundle of memory shared
// between agents.
type Capsule struct {
	ID               string        `json:"capsule_id"`
	TenantID         string        `json:"tenant_id"`
	Scope            Scope         `json:"scope"`
	SubjectType      string        `json:"subject_type,omitempty"`
	SubjectID        string        `json:"subject_id,omitempty"`
	ProjectID        string        `json:"project_id,omitempty"`
	AuthorAgentID    string        `json:"author_agent_id"`
	AudienceAgentIDs []string      `json:"audience_agent_ids"`
	Items            CapsuleItems  `json:"items"`
	Risks            []string      `json:"risks,omitempty"`
	TTLDays          int           `json:"ttl_days"`
	Status           CapsuleStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
}

// InAudience reports whether agentID may read the capsule.
func (c Capsule) InAudience(agentID string) bool {
	for _, a := range c.AudienceAgentIDs {
		if a == agentID {
			return true
		}
	}
	return false
}

// Expired reports whether the capsule's TTL has elapsed at now.
func (c Capsule) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// VisibleTo applies the capsule visibility rule: agent in audience,
// status active, and now before expires_at.
func (c Capsule) VisibleTo(agentID string, now time.Time) bool {
	return c.Status == CapsuleActive && c.InAudience(agentID) && !c.Expired(now)
}
