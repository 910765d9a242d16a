// Package capsule manages time-boxed bundles of memory shared between
// agents. Visibility is audience-gated and expiry is evaluated lazily at
// read time, so no background sweep is needed for correctness.
package capsule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/clock"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/store"
)

// Repository is the persistence the manager needs.
type Repository interface {
	InsertCapsule(ctx context.Context, c model.Capsule) (*model.Capsule, error)
	GetCapsule(ctx context.Context, tenantID, id string) (*model.Capsule, error)
	ListCapsules(ctx context.Context, tenantID string, f store.CapsuleFilter) ([]model.Capsule, error)
	SetCapsuleStatus(ctx context.Context, tenantID, id string, status model.CapsuleStatus) (bool, error)
	ApprovedEdits(ctx context.Context, tenantID string, targetType model.TargetType, ids []string) (map[string][]model.MemoryEdit, error)
	TargetExists(ctx context.Context, tenantID string, targetType model.TargetType, id string) (bool, error)
}

// CreateParams holds parameters for a new capsule. The author is the caller.
type CreateParams struct {
	Scope            model.Scope
	SubjectType      string
	SubjectID        string
	ProjectID        string
	AudienceAgentIDs []string
	Items            model.CapsuleItems
	Risks            []string
	TTLDays          int
}

// ListFilter narrows ListAvailable.
type ListFilter struct {
	SubjectType string
	SubjectID   string
	ProjectID   string
}

// Manager runs the capsule lifecycle.
type Manager struct {
	repo     Repository
	resolver *resolve.Resolver
	clock    clock.Clock
	obs      *observe.Observer
}

// NewManager returns a manager. A nil observer discards logs.
func NewManager(repo Repository, resolver *resolve.Resolver, clk clock.Clock, obs *observe.Observer) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if obs == nil {
		obs = observe.Nop()
	}
	return &Manager{repo: repo, resolver: resolver, clock: clk, obs: obs}
}

// Create validates p and stores an active capsule expiring ttl_days from now.
// Items must reference chunks and decisions of the caller's tenant.
func (m *Manager) Create(ctx context.Context, id model.Identity, p CreateParams) (*model.Capsule, error) {
	audience := normalizeAudience(p.AudienceAgentIDs)

	errs := apperr.Fields{}
	if !p.Scope.Valid() {
		errs.Add("scope", "unknown scope %q", p.Scope)
	}
	if p.TTLDays < model.MinCapsuleTTLDays || p.TTLDays > model.MaxCapsuleTTLDays {
		errs.Add("ttl_days", "must be in [%d,%d], got %d", model.MinCapsuleTTLDays, model.MaxCapsuleTTLDays, p.TTLDays)
	}
	if len(audience) == 0 {
		errs.Add("audience_agent_ids", "must not be empty")
	}
	if id.AgentID == "" {
		errs.Add("author_agent_id", "must not be empty")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	refs := []struct {
		field string
		typ   model.TargetType
		ids   []string
	}{
		{"items.chunks", model.TargetChunk, p.Items.Chunks},
		{"items.decisions", model.TargetDecision, p.Items.Decisions},
	}
	for _, r := range refs {
		for _, ref := range r.ids {
			ok, err := m.repo.TargetExists(ctx, id.TenantID, r.typ, ref)
			if err != nil {
				return nil, err
			}
			if !ok {
				errs.Add(r.field, "unknown %s %q", r.typ, ref)
			}
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	c, err := m.repo.InsertCapsule(ctx, model.Capsule{
		TenantID:         id.TenantID,
		Scope:            p.Scope,
		SubjectType:      p.SubjectType,
		SubjectID:        p.SubjectID,
		ProjectID:        p.ProjectID,
		AuthorAgentID:    id.AgentID,
		AudienceAgentIDs: audience,
		Items:            p.Items,
		Risks:            p.Risks,
		TTLDays:          p.TTLDays,
		Status:           model.CapsuleActive,
		CreatedAt:        now,
		ExpiresAt:        ExpiresAt(now, p.TTLDays),
	})
	if err != nil {
		return nil, err
	}

	m.obs.Log().Info().
		Str("tenant", id.TenantID).
		Str("capsule_id", c.ID).
		Int("audience", len(audience)).
		Int("ttl_days", c.TTLDays).
		Msg("capsule created")
	return c, nil
}

// Get returns a capsule the caller may see. Every reason it may not, from
// another tenant to revocation, is reported as the same not-found error.
func (m *Manager) Get(ctx context.Context, id model.Identity, capsuleID string) (*model.Capsule, error) {
	c, err := m.repo.GetCapsule(ctx, id.TenantID, capsuleID)
	if apperr.IsNotFound(err) {
		return nil, notFound(capsuleID)
	}
	if err != nil {
		return nil, err
	}

	if !c.VisibleTo(id.AgentID, m.clock.Now()) {
		return nil, notFound(capsuleID)
	}
	hidden, err := m.hidden(ctx, id.TenantID, []model.Capsule{*c})
	if err != nil {
		return nil, err
	}
	if hidden[c.ID] {
		return nil, notFound(capsuleID)
	}
	return c, nil
}

// ListAvailable returns the capsules visible to the caller, newest first.
func (m *Manager) ListAvailable(ctx context.Context, id model.Identity, f ListFilter) ([]model.Capsule, error) {
	now := m.clock.Now()
	all, err := m.repo.ListCapsules(ctx, id.TenantID, store.CapsuleFilter{
		Status:       model.CapsuleActive,
		SubjectType:  f.SubjectType,
		SubjectID:    f.SubjectID,
		ProjectID:    f.ProjectID,
		NotExpiredAt: now,
	})
	if err != nil {
		return nil, err
	}

	var visible []model.Capsule
	for _, c := range all {
		if c.VisibleTo(id.AgentID, now) {
			visible = append(visible, c)
		}
	}
	hidden, err := m.hidden(ctx, id.TenantID, visible)
	if err != nil {
		return nil, err
	}

	out := make([]model.Capsule, 0, len(visible))
	for _, c := range visible {
		if !hidden[c.ID] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Revoke moves a capsule to revoked and returns the resulting status. Only
// the author or an admin may revoke. Revoking a revoked capsule is a no-op;
// a capsule past expiry stays expired.
func (m *Manager) Revoke(ctx context.Context, id model.Identity, capsuleID string) (model.CapsuleStatus, error) {
	c, err := m.repo.GetCapsule(ctx, id.TenantID, capsuleID)
	if err != nil {
		return "", err
	}
	if c.AuthorAgentID != id.AgentID && !id.HasRole(model.RoleAdmin) {
		return "", apperr.Denied("only the author or an admin may revoke capsule %s", capsuleID)
	}

	switch {
	case c.Status == model.CapsuleRevoked, c.Status == model.CapsuleExpired:
		return c.Status, nil
	case c.Expired(m.clock.Now()):
		if _, err := m.repo.SetCapsuleStatus(ctx, id.TenantID, capsuleID, model.CapsuleExpired); err != nil {
			return "", err
		}
		return model.CapsuleExpired, nil
	}

	changed, err := m.repo.SetCapsuleStatus(ctx, id.TenantID, capsuleID, model.CapsuleRevoked)
	if err != nil {
		return "", err
	}
	if !changed {
		// Lost a race with another revoke or the sweep; report what stuck.
		latest, err := m.repo.GetCapsule(ctx, id.TenantID, capsuleID)
		if err != nil {
			return "", err
		}
		return latest.Status, nil
	}

	m.obs.Log().Info().Str("tenant", id.TenantID).Str("capsule_id", capsuleID).Msg("capsule revoked")
	return model.CapsuleRevoked, nil
}

// hidden reports which capsules approved retract or quarantine edits hide.
func (m *Manager) hidden(ctx context.Context, tenantID string, caps []model.Capsule) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(caps) == 0 || m.resolver == nil {
		return out, nil
	}
	ids := make([]string, len(caps))
	for i, c := range caps {
		ids[i] = c.ID
	}
	edits, err := m.repo.ApprovedEdits(ctx, tenantID, model.TargetCapsule, ids)
	if err != nil {
		return nil, fmt.Errorf("capsule edits: %w", err)
	}
	for _, c := range caps {
		v := m.resolver.Resolve(resolve.BaseFromCapsule(c), edits[c.ID])
		if !v.Visible(resolve.ReadOptions{}) {
			out[c.ID] = true
		}
	}
	return out, nil
}

func notFound(capsuleID string) error {
	return apperr.NotFound("capsule", capsuleID)
}

func normalizeAudience(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, a := range ids {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// ExpiresAt returns when a capsule created at t with ttlDays expires.
func ExpiresAt(t time.Time, ttlDays int) time.Time {
	return t.UTC().AddDate(0, 0, ttlDays)
}
