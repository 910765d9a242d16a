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

const capsuleColumns = `capsule_id, tenant_id, scope, subject_type, subject_id, project_id, author_agent_id,
	audience_agent_ids, items, risks, ttl_days, status, created_at, expires_at`

// InsertCapsule stores a new capsule. ID is assigned when empty.
func (s *SQLiteStore) InsertCapsule(ctx context.Context, c model.Capsule) (*model.Capsule, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = model.CapsuleActive
	}
	audience, err := json.Marshal(c.AudienceAgentIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal audience: %w", err)
	}
	items, err := json.Marshal(c.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capsules (`+capsuleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, string(c.Scope), nullable(c.SubjectType), nullable(c.SubjectID), nullable(c.ProjectID),
		c.AuthorAgentID, string(audience), string(items), marshalList(c.Risks), c.TTLDays, string(c.Status),
		formatTime(c.CreatedAt), formatTime(c.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert capsule: %w", err)
	}
	return &c, nil
}

// GetCapsule returns a capsule of the tenant regardless of status.
func (s *SQLiteStore) GetCapsule(ctx context.Context, tenantID, id string) (*model.Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE tenant_id = ? AND capsule_id = ?`, tenantID, id)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("capsule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule: %w", err)
	}
	return &c, nil
}

// ListCapsules returns the tenant's capsules matching the filter, newest first.
func (s *SQLiteStore) ListCapsules(ctx context.Context, tenantID string, f CapsuleFilter) ([]model.Capsule, error) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SubjectType != "" {
		where = append(where, "subject_type = ?")
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if !f.NotExpiredAt.IsZero() {
		where = append(where, "expires_at > ?")
		args = append(args, formatTime(f.NotExpiredAt))
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM capsules WHERE %s ORDER BY created_at DESC, capsule_id ASC`,
			capsuleColumns, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	defer rows.Close()

	var out []model.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCapsuleStatus moves an active capsule to status. It reports false when
// the capsule was no longer active.
func (s *SQLiteStore) SetCapsuleStatus(ctx context.Context, tenantID, id string, status model.CapsuleStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status = ? WHERE tenant_id = ? AND capsule_id = ? AND status = ?`,
		string(status), tenantID, id, string(model.CapsuleActive))
	if err != nil {
		return false, fmt.Errorf("set capsule status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SweepExpiredCapsules persists the expired status for active capsules whose
// expiry is at or before now, across all tenants.
func (s *SQLiteStore) SweepExpiredCapsules(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status = ? WHERE status = ? AND expires_at <= ?`,
		string(model.CapsuleExpired), string(model.CapsuleActive), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sweep capsules: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanCapsule(row scanner) (model.Capsule, error) {
	var c model.Capsule
	var subjectType, subjectID, projectID, risks sql.NullString
	var audience, items, createdAt, expiresAt string
	err := row.Scan(&c.ID, &c.TenantID, &c.Scope, &subjectType, &subjectID, &projectID, &c.AuthorAgentID,
		&audience, &items, &risks, &c.TTLDays, &c.Status, &createdAt, &expiresAt)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(audience), &c.AudienceAgentIDs); err != nil {
		return c, fmt.Errorf("decode audience of capsule %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
		return c, fmt.Errorf("decode items of capsule %s: %w", c.ID, err)
	}
	c.SubjectType = stringOf(subjectType)
	c.SubjectID = stringOf(subjectID)
	c.ProjectID = stringOf(projectID)
	c.Risks = unmarshalList(risks)
	c.CreatedAt = parseTime(createdAt)
	c.ExpiresAt = parseTime(expiresAt)
	return c, nil
}
