package model

import "time"

// TargetType names the kind of record an edit applies to.
type TargetType string

const (
	TargetChunk    TargetType = "chunk"
	TargetDecision TargetType = "decision"
	TargetCapsule  TargetType = "capsule"
)

// ValidTargetTypes are the record kinds that accept edits.
var ValidTargetTypes = map[TargetType]bool{
	TargetChunk:    true,
	TargetDecision: true,
	TargetCapsule:  true,
}

// Op is a governance operation.
type Op string

const (
	OpRetract    Op = "retract"
	OpAmend      Op = "amend"
	OpQuarantine Op = "quarantine"
	OpAttenuate  Op = "attenuate"
	OpBlock      Op = "block"
)

// ValidOps are the allowed edit operations.
var ValidOps = map[Op]bool{
	OpRetract:    true,
	OpAmend:      true,
	OpQuarantine: true,
	OpAttenuate:  true,
	OpBlock:      true,
}

// EditStatus is the approval state of an edit. pending -> approved | rejected.
type EditStatus string

const (
	EditPending  EditStatus = "pending"
	EditApproved EditStatus = "approved"
	EditRejected EditStatus = "rejected"
)

// ValidProposers are the allowed values of MemoryEdit.ProposedBy.
var ValidProposers = map[string]bool{
	"human": true,
	"agent": true,
}

// Patch carries op-specific edit data. Pointer fields distinguish
// "not supplied" from zero values.
type Patch struct {
	Text            *string  `json:"text,omitempty"`
	Importance      *float64 `json:"importance,omitempty"`
	ImportanceDelta *float64 `json:"importance_delta,omitempty"`
	Channel         Channel  `json:"channel,omitempty"`
}

// Empty reports whether no patch field is set.
func (p Patch) Empty() bool {
	return p.Text == nil && p.Importance == nil && p.ImportanceDelta == nil && p.Channel == ""
}

// MemoryEdit is a proposed change to the visible state of a record.
// The base record is never modified; approved edits are folded at read time.
type MemoryEdit struct {
	ID         string     `json:"edit_id"`
	TenantID   string     `json:"tenant_id"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Op         Op         `json:"op"`
	Reason     string     `json:"reason"`
	ProposedBy string     `json:"proposed_by"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	Status     EditStatus `json:"status"`
	Patch      Patch      `json:"patch"`
	TS         time.Time  `json:"ts"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

// Applied reports whether the edit participates in folding.
func (e MemoryEdit) Applied() bool {
	return e.Status == EditApproved && e.AppliedAt != nil
}
