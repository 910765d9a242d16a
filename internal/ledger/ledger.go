// Package ledger runs the governance workflow over the append-only edit
// ledger: proposals are validated, then approved or rejected exactly once.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/clock"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
	"github.com/rcliao/memgov/internal/store"
)

// Repository is the persistence the ledger needs.
type Repository interface {
	TargetExists(ctx context.Context, tenantID string, targetType model.TargetType, id string) (bool, error)
	InsertEdit(ctx context.Context, e model.MemoryEdit) (*model.MemoryEdit, error)
	GetEdit(ctx context.Context, tenantID, id string) (*model.MemoryEdit, error)
	ApproveEdit(ctx context.Context, tenantID, id, approvedBy string, appliedAt time.Time) (*model.MemoryEdit, error)
	RejectEdit(ctx context.Context, tenantID, id, rejectedBy string) (*model.MemoryEdit, error)
	ListEdits(ctx context.Context, tenantID string, f store.EditFilter) ([]model.MemoryEdit, error)
}

// Proposal is a requested edit.
type Proposal struct {
	TargetType model.TargetType
	TargetID   string
	Op         model.Op
	Reason     string
	ProposedBy string // human or agent
	Patch      model.Patch
}

// Ledger validates and decides edits.
type Ledger struct {
	repo  Repository
	clock clock.Clock
	obs   *observe.Observer
}

// New returns a ledger. A nil observer discards logs.
func New(repo Repository, clk clock.Clock, obs *observe.Observer) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	if obs == nil {
		obs = observe.Nop()
	}
	return &Ledger{repo: repo, clock: clk, obs: obs}
}

// Propose validates p and appends it as a pending edit. The target must
// exist in the caller's tenant.
func (l *Ledger) Propose(ctx context.Context, id model.Identity, p Proposal) (*model.MemoryEdit, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	ok, err := l.repo.TargetExists(ctx, id.TenantID, p.TargetType, p.TargetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound(string(p.TargetType), p.TargetID)
	}

	e, err := l.repo.InsertEdit(ctx, model.MemoryEdit{
		TenantID:   id.TenantID,
		TargetType: p.TargetType,
		TargetID:   p.TargetID,
		Op:         p.Op,
		Reason:     strings.TrimSpace(p.Reason),
		ProposedBy: p.ProposedBy,
		Patch:      p.Patch,
		TS:         l.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	l.obs.Log().Info().
		Str("tenant", id.TenantID).
		Str("edit_id", e.ID).
		Str("op", string(e.Op)).
		Str("target", string(e.TargetType)+"/"+e.TargetID).
		Msg("edit proposed")
	return e, nil
}

// Approve applies a pending edit. Only reviewers and admins may approve.
// The edit's applied_at is the approval time.
func (l *Ledger) Approve(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	if !id.HasRole(model.RoleReviewer, model.RoleAdmin) {
		return nil, apperr.Denied("approving edits requires the %s or %s role", model.RoleReviewer, model.RoleAdmin)
	}

	ctx, span := l.obs.StartSpan(ctx, "ledger.approve")
	defer span.End()

	e, err := l.repo.ApproveEdit(ctx, id.TenantID, editID, id.AgentID, l.clock.Now())
	if err != nil {
		if apperr.IsConflict(err) {
			l.obs.Log().Warn().Str("edit_id", editID).Err(err).Msg("edit approval lost")
		}
		return nil, err
	}

	l.obs.Log().Info().
		Str("tenant", id.TenantID).
		Str("edit_id", e.ID).
		Str("approved_by", e.ApprovedBy).
		Msg("edit approved")
	return e, nil
}

// Reject terminally rejects a pending edit. Same role rule as Approve.
func (l *Ledger) Reject(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	if !id.HasRole(model.RoleReviewer, model.RoleAdmin) {
		return nil, apperr.Denied("rejecting edits requires the %s or %s role", model.RoleReviewer, model.RoleAdmin)
	}

	e, err := l.repo.RejectEdit(ctx, id.TenantID, editID, id.AgentID)
	if err != nil {
		return nil, err
	}

	l.obs.Log().Info().Str("tenant", id.TenantID).Str("edit_id", e.ID).Msg("edit rejected")
	return e, nil
}

// Get returns one edit of the caller's tenant.
func (l *Ledger) Get(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	return l.repo.GetEdit(ctx, id.TenantID, editID)
}

// List returns edits of the caller's tenant for audit.
func (l *Ledger) List(ctx context.Context, id model.Identity, f store.EditFilter) ([]model.MemoryEdit, error) {
	if f.TargetType != "" && !model.ValidTargetTypes[f.TargetType] {
		return nil, apperr.Validation("target_type", fmt.Sprintf("unknown target type %q", f.TargetType))
	}
	switch f.Status {
	case "", model.EditPending, model.EditApproved, model.EditRejected:
	default:
		return nil, apperr.Validation("status", fmt.Sprintf("unknown edit status %q", f.Status))
	}
	return l.repo.ListEdits(ctx, id.TenantID, f)
}

// Validate checks a proposal's shape without touching storage.
func Validate(p Proposal) error {
	errs := apperr.Fields{}

	if !model.ValidTargetTypes[p.TargetType] {
		errs.Add("target_type", "unknown target type %q", p.TargetType)
	}
	if strings.TrimSpace(p.TargetID) == "" {
		errs.Add("target_id", "must not be empty")
	}
	if strings.TrimSpace(p.Reason) == "" {
		errs.Add("reason", "must not be empty")
	}
	if !model.ValidProposers[p.ProposedBy] {
		errs.Add("proposed_by", "must be human or agent, got %q", p.ProposedBy)
	}
	if !model.ValidOps[p.Op] {
		errs.Add("op", "unknown op %q", p.Op)
		return errs.Err()
	}

	if p.TargetType == model.TargetCapsule && p.Op != model.OpRetract && p.Op != model.OpQuarantine {
		errs.Add("op", "capsules accept only retract or quarantine, got %q", p.Op)
	}

	patch := p.Patch
	switch p.Op {
	case model.OpRetract, model.OpQuarantine:
		if !patch.Empty() {
			errs.Add("patch", "%s takes no patch", p.Op)
		}
	case model.OpAmend:
		if patch.Text == nil && patch.Importance == nil {
			errs.Add("patch", "amend needs text or importance")
		}
		if patch.Text != nil && strings.TrimSpace(*patch.Text) == "" {
			errs.Add("patch.text", "must not be empty")
		}
		if patch.ImportanceDelta != nil || patch.Channel != "" {
			errs.Add("patch", "amend accepts only text and importance")
		}
		checkImportance(errs, patch.Importance)
	case model.OpAttenuate:
		if (patch.Importance == nil) == (patch.ImportanceDelta == nil) {
			errs.Add("patch", "attenuate needs exactly one of importance or importance_delta")
		}
		if patch.Text != nil || patch.Channel != "" {
			errs.Add("patch", "attenuate accepts only importance or importance_delta")
		}
		checkImportance(errs, patch.Importance)
		if d := patch.ImportanceDelta; d != nil && (math.IsNaN(*d) || math.IsInf(*d, 0)) {
			errs.Add("patch.importance_delta", "must be a finite number")
		}
	case model.OpBlock:
		if !model.ValidChannels[patch.Channel] {
			errs.Add("patch.channel", "unknown channel %q", patch.Channel)
		}
		if patch.Text != nil || patch.Importance != nil || patch.ImportanceDelta != nil {
			errs.Add("patch", "block accepts only channel")
		}
	}
	return errs.Err()
}

func checkImportance(errs apperr.Fields, v *float64) {
	if v != nil && (math.IsNaN(*v) || *v < 0 || *v > 1) {
		errs.Add("patch.importance", "must be in [0,1], got %v", *v)
	}
}
