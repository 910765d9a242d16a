package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rcliao/memgov/internal/model"
)

// DBStats holds database-wide statistics.
type DBStats struct {
	DBPath        string `json:"db_path"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	SchemaVersion int    `json:"schema_version"`
	Tenants       int    `json:"tenants"`
	TotalEvents   int    `json:"total_events"`
	TotalChunks   int    `json:"total_chunks"`
	TotalEdits    int    `json:"total_edits"`
	PendingJobs   int    `json:"pending_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
}

// DBStats returns database-wide statistics. These are live counts, not
// the per-tenant aggregate table.
func (s *SQLiteStore) DBStats(ctx context.Context) (*DBStats, error) {
	st := &DBStats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dest  *int
		query string
		args  []interface{}
	}{
		{&st.SchemaVersion, `PRAGMA user_version`, nil},
		{&st.TotalEvents, `SELECT COUNT(*) FROM events`, nil},
		{&st.TotalChunks, `SELECT COUNT(*) FROM chunks`, nil},
		{&st.TotalEdits, `SELECT COUNT(*) FROM memory_edits`, nil},
		{&st.PendingJobs, `SELECT COUNT(*) FROM jobs WHERE status = ?`, []interface{}{string(model.JobPending)}},
		{&st.FailedJobs, `SELECT COUNT(*) FROM jobs WHERE status = ?`, []interface{}{string(model.JobFailed)}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	st.Tenants = len(tenants)
	return st, nil
}

// ListTenants returns every tenant id that owns at least one record.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, s.db, `
		SELECT tenant_id FROM events
		UNION SELECT tenant_id FROM decisions
		UNION SELECT tenant_id FROM capsules
		UNION SELECT tenant_id FROM memory_edits
		UNION SELECT tenant_id FROM tasks
		ORDER BY tenant_id`)
}

// RefreshTenantStats recomputes the aggregate row of every tenant. It
// returns the number of tenants refreshed.
func (s *SQLiteStore) RefreshTenantStats(ctx context.Context, now time.Time) (int, error) {
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, tenant := range tenants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_stats (tenant_id, events, chunks, active_decisions, active_capsules,
			                          pending_edits, approved_edits, refreshed_at)
			VALUES (?,
				(SELECT COUNT(*) FROM events WHERE tenant_id = ?),
				(SELECT COUNT(*) FROM chunks WHERE tenant_id = ?),
				(SELECT COUNT(*) FROM decisions WHERE tenant_id = ? AND status = 'active'),
				(SELECT COUNT(*) FROM capsules WHERE tenant_id = ? AND status = 'active' AND expires_at > ?),
				(SELECT COUNT(*) FROM memory_edits WHERE tenant_id = ? AND status = 'pending'),
				(SELECT COUNT(*) FROM memory_edits WHERE tenant_id = ? AND status = 'approved'),
				?)
			ON CONFLICT(tenant_id) DO UPDATE SET
				events = excluded.events,
				chunks = excluded.chunks,
				active_decisions = excluded.active_decisions,
				active_capsules = excluded.active_capsules,
				pending_edits = excluded.pending_edits,
				approved_edits = excluded.approved_edits,
				refreshed_at = excluded.refreshed_at`,
			tenant, tenant, tenant, tenant, tenant, formatTime(now), tenant, tenant, formatTime(now))
		if err != nil {
			return 0, fmt.Errorf("refresh stats for %s: %w", tenant, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(tenants), nil
}

// TenantStats returns the last refreshed aggregate for a tenant. A tenant
// that was never refreshed has a zero RefreshedAt and StalenessSeconds -1.
func (s *SQLiteStore) TenantStats(ctx context.Context, tenantID string, now time.Time) (*model.TenantStats, error) {
	st := &model.TenantStats{TenantID: tenantID}
	var refreshedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT events, chunks, active_decisions, active_capsules, pending_edits, approved_edits, refreshed_at
		FROM tenant_stats WHERE tenant_id = ?`, tenantID).Scan(
		&st.Events, &st.Chunks, &st.ActiveDecisions, &st.ActiveCapsules,
		&st.PendingEdits, &st.ApprovedEdits, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st.StalenessSeconds = -1
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant stats: %w", err)
	}
	st.RefreshedAt = parseTime(refreshedAt)
	st.StalenessSeconds = int(now.Sub(st.RefreshedAt) / time.Second)
	if st.StalenessSeconds < 0 {
		st.StalenessSeconds = 0
	}
	return st, nil
}
