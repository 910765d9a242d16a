package store

import (
	"context"
	"fmt"

	"github.com/rcliao/memgov/internal/model"
)

// Export returns all of a tenant's records and its full edit ledger.
func (s *SQLiteStore) Export(ctx context.Context, tenantID string) (*Snapshot, error) {
	snap := &Snapshot{TenantID: tenantID, ExportedAt: s.now()}
	var err error

	if snap.Events, err = s.ListEvents(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	if snap.Chunks, err = s.ListChunks(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("export chunks: %w", err)
	}
	if snap.Decisions, err = s.ListDecisions(ctx, tenantID, DecisionFilter{}); err != nil {
		return nil, fmt.Errorf("export decisions: %w", err)
	}
	if snap.Edits, err = s.ListEdits(ctx, tenantID, EditFilter{}); err != nil {
		return nil, fmt.Errorf("export edits: %w", err)
	}
	if snap.Capsules, err = s.ListCapsules(ctx, tenantID, CapsuleFilter{}); err != nil {
		return nil, fmt.Errorf("export capsules: %w", err)
	}
	if snap.Tasks, err = s.ListTasks(ctx, tenantID, ""); err != nil {
		return nil, fmt.Errorf("export tasks: %w", err)
	}
	return snap, nil
}

// ImportEvents stores events and their chunks from an export into tenantID,
// keeping their ids so edits recorded elsewhere still resolve. Records that
// already exist are skipped.
func (s *SQLiteStore) ImportEvents(ctx context.Context, tenantID string, events []model.Event, chunks []model.Chunk) (*ImportResult, error) {
	res := &ImportResult{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, ev := range events {
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (event_id, tenant_id, session_id, actor_type, actor_id, kind, channel, sensitivity, text, tags, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, tenantID, ev.SessionID, ev.Actor.Type, ev.Actor.ID, ev.Kind, string(ev.Channel),
			ev.Sensitivity, ev.Text, marshalList(ev.Tags), formatTime(ev.TS))
		if err != nil {
			return nil, fmt.Errorf("import event %s: %w", ev.ID, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Skipped++
			continue
		}
		res.Events++
	}

	for _, c := range chunks {
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chunks (`+chunkColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, tenantID, nullable(c.EventID), c.SessionID, c.Seq, c.Text, c.Importance, string(c.Scope),
			nullable(c.SubjectType), nullable(c.SubjectID), nullable(c.ProjectID), string(c.Channel),
			marshalList(c.Tags), c.Kind, c.TokenEst, formatTime(c.TS))
		if err != nil {
			return nil, fmt.Errorf("import chunk %s: %w", c.ID, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Skipped++
			continue
		}
		res.Chunks++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
