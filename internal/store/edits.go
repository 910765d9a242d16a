package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
)

const editColumns = `edit_id, tenant_id, target_type, target_id, op, reason, proposed_by,
	approved_by, status, patch, ts, applied_at`

// InsertEdit appends a pending edit to the ledger. ID and TS are assigned when empty.
func (s *SQLiteStore) InsertEdit(ctx context.Context, e model.MemoryEdit) (*model.MemoryEdit, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.TS.IsZero() {
		e.TS = s.now()
	}
	e.TS = e.TS.UTC()
	e.Status = model.EditPending
	e.ApprovedBy = ""
	e.AppliedAt = nil

	var patch *string
	if !e.Patch.Empty() {
		b, err := json.Marshal(e.Patch)
		if err != nil {
			return nil, fmt.Errorf("marshal patch: %w", err)
		}
		v := string(b)
		patch = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_edits (`+editColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL)`,
		e.ID, e.TenantID, string(e.TargetType), e.TargetID, string(e.Op), e.Reason, e.ProposedBy,
		string(e.Status), patch, formatTime(e.TS))
	if err != nil {
		return nil, fmt.Errorf("insert edit: %w", err)
	}
	return &e, nil
}

// GetEdit returns an edit of the tenant.
func (s *SQLiteStore) GetEdit(ctx context.Context, tenantID, id string) (*model.MemoryEdit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+editColumns+` FROM memory_edits WHERE tenant_id = ? AND edit_id = ?`, tenantID, id)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("edit", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get edit: %w", err)
	}
	return &e, nil
}

// ApproveEdit moves a pending edit to approved with the given applied_at.
// The update only matches pending rows, so of two racing approvals exactly
// one succeeds; the other, and any approval of a decided edit, is a conflict.
func (s *SQLiteStore) ApproveEdit(ctx context.Context, tenantID, id, approvedBy string, appliedAt time.Time) (*model.MemoryEdit, error) {
	return s.decideEdit(ctx, tenantID, id, model.EditApproved, approvedBy, &appliedAt)
}

// RejectEdit moves a pending edit to rejected. Same guard as ApproveEdit.
func (s *SQLiteStore) RejectEdit(ctx context.Context, tenantID, id, rejectedBy string) (*model.MemoryEdit, error) {
	return s.decideEdit(ctx, tenantID, id, model.EditRejected, rejectedBy, nil)
}

func (s *SQLiteStore) decideEdit(ctx context.Context, tenantID, id string, status model.EditStatus, by string, appliedAt *time.Time) (*model.MemoryEdit, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_edits SET status = ?, approved_by = ?, applied_at = ?
		 WHERE tenant_id = ? AND edit_id = ? AND status = ?`,
		string(status), nullable(by), formatTimePtr(appliedAt), tenantID, id, string(model.EditPending))
	if err != nil {
		return nil, fmt.Errorf("%s edit: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	e, err := s.GetEdit(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Conflict("edit %s is already %s", id, e.Status)
	}
	return e, nil
}

// ListEdits returns the tenant's edits matching the filter, oldest first.
func (s *SQLiteStore) ListEdits(ctx context.Context, tenantID string, f EditFilter) ([]model.MemoryEdit, error) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, string(f.TargetType))
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memory_edits WHERE %s ORDER BY ts, edit_id LIMIT ?`,
			editColumns, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()
	return collectEdits(rows)
}

// ApprovedEdits returns the applied edits for the given targets of one type,
// grouped by target id. Ordering within a group is left to the resolver.
func (s *SQLiteStore) ApprovedEdits(ctx context.Context, tenantID string, targetType model.TargetType, ids []string) (map[string][]model.MemoryEdit, error) {
	out := make(map[string][]model.MemoryEdit)
	if len(ids) == 0 {
		return out, nil
	}
	args := []interface{}{tenantID, string(targetType), string(model.EditApproved)}
	args = append(args, stringArgs(ids)...)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+editColumns+` FROM memory_edits
		 WHERE tenant_id = ? AND target_type = ? AND status = ? AND applied_at IS NOT NULL
		   AND target_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("approved edits: %w", err)
	}
	defer rows.Close()

	edits, err := collectEdits(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range edits {
		out[e.TargetID] = append(out[e.TargetID], e)
	}
	return out, nil
}

// TargetExists reports whether a record of the given type exists in the tenant.
func (s *SQLiteStore) TargetExists(ctx context.Context, tenantID string, targetType model.TargetType, id string) (bool, error) {
	var table, column string
	switch targetType {
	case model.TargetChunk:
		table, column = "chunks", "chunk_id"
	case model.TargetDecision:
		table, column = "decisions", "decision_id"
	case model.TargetCapsule:
		table, column = "capsules", "capsule_id"
	default:
		return false, apperr.Validation("target_type", fmt.Sprintf("unknown target type %q", targetType))
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = ? AND %s = ?`, table, column),
		tenantID, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("target exists: %w", err)
	}
	return n > 0, nil
}

func collectEdits(rows *sql.Rows) ([]model.MemoryEdit, error) {
	var out []model.MemoryEdit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEdit(row scanner) (model.MemoryEdit, error) {
	var e model.MemoryEdit
	var approvedBy, patch, appliedAt sql.NullString
	var ts string
	err := row.Scan(&e.ID, &e.TenantID, &e.TargetType, &e.TargetID, &e.Op, &e.Reason, &e.ProposedBy,
		&approvedBy, &e.Status, &patch, &ts, &appliedAt)
	if err != nil {
		return e, err
	}
	e.ApprovedBy = stringOf(approvedBy)
	if patch.Valid && patch.String != "" {
		if err := json.Unmarshal([]byte(patch.String), &e.Patch); err != nil {
			return e, fmt.Errorf("decode patch of edit %s: %w", e.ID, err)
		}
	}
	e.TS = parseTime(ts)
	e.AppliedAt = parseTimePtr(appliedAt)
	return e, nil
}
