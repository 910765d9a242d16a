package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
)

const decisionColumns = `decision_id, tenant_id, scope, decision, rationale, constraints, alternatives,
	consequences, refs, subject_type, subject_id, project_id, status, ts`

// InsertDecision records a new active decision. ID and TS are assigned when empty.
func (s *SQLiteStore) InsertDecision(ctx context.Context, d model.Decision) (*model.Decision, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.TS.IsZero() {
		d.TS = s.now()
	}
	d.TS = d.TS.UTC()
	d.Status = model.DecisionActive

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, string(d.Scope), d.Decision, marshalList(d.Rationale), marshalList(d.Constraints),
		marshalList(d.Alternatives), marshalList(d.Consequences), marshalList(d.Refs),
		nullable(d.SubjectType), nullable(d.SubjectID), nullable(d.ProjectID), string(d.Status), formatTime(d.TS))
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return &d, nil
}

// GetDecision returns a decision of the tenant.
func (s *SQLiteStore) GetDecision(ctx context.Context, tenantID, id string) (*model.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE tenant_id = ? AND decision_id = ?`, tenantID, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("decision", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return &d, nil
}

// ListDecisions returns the tenant's decisions matching the filter, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, tenantID string, f DecisionFilter) ([]model.Decision, error) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(f.Scope))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM decisions WHERE %s ORDER BY ts DESC, decision_id ASC`,
			decisionColumns, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDecisions returns the tenant's decisions with the given ids, keyed by id.
func (s *SQLiteStore) GetDecisions(ctx context.Context, tenantID string, ids []string) (map[string]model.Decision, error) {
	out := make(map[string]model.Decision, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := append([]interface{}{tenantID}, stringArgs(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE tenant_id = ? AND decision_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// SupersedeDecision marks an active decision superseded. Superseding an
// already superseded decision is a conflict.
func (s *SQLiteStore) SupersedeDecision(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = ? WHERE tenant_id = ? AND decision_id = ? AND status = ?`,
		string(model.DecisionSuperseded), tenantID, id, string(model.DecisionActive))
	if err != nil {
		return fmt.Errorf("supersede decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetDecision(ctx, tenantID, id); err != nil {
		return err
	}
	return apperr.Conflict("decision %s is already superseded", id)
}

func scanDecision(row scanner) (model.Decision, error) {
	var d model.Decision
	var rationale, constraints, alternatives, consequences, refs sql.NullString
	var subjectType, subjectID, projectID sql.NullString
	var ts string
	err := row.Scan(&d.ID, &d.TenantID, &d.Scope, &d.Decision, &rationale, &constraints, &alternatives,
		&consequences, &refs, &subjectType, &subjectID, &projectID, &d.Status, &ts)
	if err != nil {
		return d, err
	}
	d.Rationale = unmarshalList(rationale)
	d.Constraints = unmarshalList(constraints)
	d.Alternatives = unmarshalList(alternatives)
	d.Consequences = unmarshalList(consequences)
	d.Refs = unmarshalList(refs)
	d.SubjectType = stringOf(subjectType)
	d.SubjectID = stringOf(subjectID)
	d.ProjectID = stringOf(projectID)
	d.TS = parseTime(ts)
	return d, nil
}
