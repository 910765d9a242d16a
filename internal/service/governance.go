package service

import (
	"context"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/capsule"
	"github.com/rcliao/memgov/internal/ledger"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/store"
)

// RecordEdit proposes a governance edit. It stays pending until approved.
func (s *Service) RecordEdit(ctx context.Context, id model.Identity, p ledger.Proposal) (*model.MemoryEdit, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.ledger.Propose(ctx, id, p)
}

// ApproveEdit applies a pending edit. Exactly one of any number of
// concurrent approvals succeeds; the rest get a conflict.
func (s *Service) ApproveEdit(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.ledger.Approve(ctx, id, editID)
}

// RejectEdit terminally rejects a pending edit.
func (s *Service) RejectEdit(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.ledger.Reject(ctx, id, editID)
}

// GetEdit returns one edit.
func (s *Service) GetEdit(ctx context.Context, id model.Identity, editID string) (*model.MemoryEdit, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.ledger.Get(ctx, id, editID)
}

// ListEdits returns the tenant's edit history.
func (s *Service) ListEdits(ctx context.Context, id model.Identity, f store.EditFilter) ([]model.MemoryEdit, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, id, f)
}

// CreateCapsule shares records with an audience of agents for a while.
func (s *Service) CreateCapsule(ctx context.Context, id model.Identity, p capsule.CreateParams) (*model.Capsule, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.capsules.Create(ctx, id, p)
}

// GetCapsule returns a capsule visible to the caller.
func (s *Service) GetCapsule(ctx context.Context, id model.Identity, capsuleID string) (*model.Capsule, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.capsules.Get(ctx, id, capsuleID)
}

// ListAvailableCapsules returns capsules visible to the caller.
func (s *Service) ListAvailableCapsules(ctx context.Context, id model.Identity, f capsule.ListFilter) ([]model.Capsule, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.capsules.ListAvailable(ctx, id, f)
}

// RevokeCapsule revokes a capsule and returns its resulting status.
func (s *Service) RevokeCapsule(ctx context.Context, id model.Identity, capsuleID string) (model.CapsuleStatus, error) {
	if err := checkIdentity(id); err != nil {
		return "", err
	}
	return s.capsules.Revoke(ctx, id, capsuleID)
}

// CreateTask adds an open task.
func (s *Service) CreateTask(ctx context.Context, id model.Identity, title string) (*model.Task, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.tasks.Create(ctx, id, title)
}

// AddTaskDependency records that taskID depends on dependsOnID, refusing
// edges that would close a cycle.
func (s *Service) AddTaskDependency(ctx context.Context, id model.Identity, taskID, dependsOnID string) error {
	if err := checkIdentity(id); err != nil {
		return err
	}
	return s.tasks.AddDependency(ctx, id, taskID, dependsOnID)
}

// CompleteTask marks a task done.
func (s *Service) CompleteTask(ctx context.Context, id model.Identity, taskID string) error {
	if err := checkIdentity(id); err != nil {
		return err
	}
	return s.tasks.Complete(ctx, id, taskID)
}

// GetTask returns a task with its edges.
func (s *Service) GetTask(ctx context.Context, id model.Identity, taskID string) (*model.Task, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id, taskID)
}

// ListTasks returns the tenant's tasks, optionally by status.
func (s *Service) ListTasks(ctx context.Context, id model.Identity, status model.TaskStatus) ([]model.Task, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.tasks.List(ctx, id, status)
}

// Stats returns the tenant's aggregate as of the last maintenance refresh.
// It never counts on the read path; see StalenessSeconds.
func (s *Service) Stats(ctx context.Context, id model.Identity) (*model.TenantStats, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.store.TenantStats(ctx, id.TenantID, s.clock.Now())
}

// DBStats returns live database-wide counts. Admin only.
func (s *Service) DBStats(ctx context.Context, id model.Identity) (*store.DBStats, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	return s.store.DBStats(ctx)
}

// ListTenants returns every tenant with stored records. Admin only.
func (s *Service) ListTenants(ctx context.Context, id model.Identity) ([]string, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	return s.store.ListTenants(ctx)
}

// Export returns the tenant's base records and full edit ledger, retracted
// content included. Admin only.
func (s *Service) Export(ctx context.Context, id model.Identity) (*store.Snapshot, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	return s.store.Export(ctx, id.TenantID)
}

// Import stores the events and chunks of a snapshot into the caller's
// tenant. Records already present are skipped.
func (s *Service) Import(ctx context.Context, id model.Identity, snap *store.Snapshot) (*store.ImportResult, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperr.Validation("snapshot", "must not be empty")
	}
	res, err := s.store.ImportEvents(ctx, id.TenantID, snap.Events, snap.Chunks)
	if err != nil {
		return nil, err
	}

	chunks := make([]model.Chunk, len(snap.Chunks))
	for i, c := range snap.Chunks {
		c.TenantID = id.TenantID
		chunks[i] = c
	}
	s.index(ctx, chunks)

	s.obs.Log().Info().
		Str("tenant", id.TenantID).
		Int("events", res.Events).
		Int("chunks", res.Chunks).
		Int("skipped", res.Skipped).
		Msg("import finished")
	return res, nil
}

// isAuditor reports whether id may read base records and the raw ledger.
func isAuditor(id model.Identity) bool {
	return id.HasRole(model.RoleReviewer, model.RoleAdmin)
}

func requireAdmin(id model.Identity) error {
	if err := checkIdentity(id); err != nil {
		return err
	}
	if !id.HasRole(model.RoleAdmin) {
		return apperr.Denied("requires the %s role", model.RoleAdmin)
	}
	return nil
}
