package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/chunker"
	"github.com/rcliao/memgov/internal/model"
)

const chunkColumns = `chunk_id, tenant_id, event_id, session_id, seq, text, importance, scope,
	subject_type, subject_id, project_id, channel, tags, kind, token_est, ts`

// RecordEvent appends an event and derives its chunks in one transaction.
// Secret events are stored but never chunked.
func (s *SQLiteStore) RecordEvent(ctx context.Context, p RecordEventParams) (*model.Event, []model.Chunk, error) {
	ts := p.TS
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()

	ev := model.Event{
		ID:          newID(),
		TenantID:    p.TenantID,
		SessionID:   p.SessionID,
		Actor:       p.Actor,
		Kind:        p.Kind,
		Channel:     p.Channel,
		Sensitivity: p.Sensitivity,
		Text:        chunker.Normalize(p.Text),
		Tags:        p.Tags,
		TS:          ts,
	}
	if ev.Sensitivity == "" {
		ev.Sensitivity = "none"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, tenant_id, session_id, actor_type, actor_id, kind, channel, sensitivity, text, tags, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.SessionID, ev.Actor.Type, ev.Actor.ID, ev.Kind, string(ev.Channel),
		ev.Sensitivity, ev.Text, marshalList(ev.Tags), formatTime(ev.TS))
	if err != nil {
		return nil, nil, fmt.Errorf("insert event: %w", err)
	}

	var chunks []model.Chunk
	if ev.Sensitivity != model.SensitivitySecret {
		chunks, err = insertChunks(ctx, tx, ev, p)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &ev, chunks, nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, ev model.Event, p RecordEventParams) ([]model.Chunk, error) {
	importance := DefaultImportance
	if p.Importance != nil {
		importance = *p.Importance
	}
	scope := p.Scope
	if scope == "" {
		scope = model.ScopeSession
	}

	var chunks []model.Chunk
	for i, r := range chunker.Chunk(ev.Text, chunker.DefaultOptions()) {
		c := model.Chunk{
			ID:          newID(),
			TenantID:    ev.TenantID,
			EventID:     ev.ID,
			SessionID:   ev.SessionID,
			Seq:         i,
			Text:        r.Text,
			Importance:  importance,
			Scope:       scope,
			SubjectType: p.SubjectType,
			SubjectID:   p.SubjectID,
			ProjectID:   p.ProjectID,
			Channel:     ev.Channel,
			Tags:        ev.Tags,
			Kind:        ev.Kind,
			TokenEst:    r.Tokens,
			TS:          ev.TS,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (`+chunkColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.EventID, c.SessionID, c.Seq, c.Text, c.Importance, string(c.Scope),
			nullable(c.SubjectType), nullable(c.SubjectID), nullable(c.ProjectID), string(c.Channel),
			marshalList(c.Tags), c.Kind, c.TokenEst, formatTime(c.TS))
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// GetEvent returns an event of the tenant.
func (s *SQLiteStore) GetEvent(ctx context.Context, tenantID, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, tenant_id, session_id, actor_type, actor_id, kind, channel, sensitivity, text, tags, ts
		 FROM events WHERE tenant_id = ? AND event_id = ?`, tenantID, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// ListEvents returns the tenant's events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, tenantID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, tenant_id, session_id, actor_type, actor_id, kind, channel, sensitivity, text, tags, ts
		 FROM events WHERE tenant_id = ? ORDER BY ts, event_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetChunk returns a chunk of the tenant.
func (s *SQLiteStore) GetChunk(ctx context.Context, tenantID, id string) (*model.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? AND chunk_id = ?`, tenantID, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chunk", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return &c, nil
}

// GetChunks returns the tenant's chunks with the given ids, keyed by id.
// Unknown ids and other tenants' chunks are absent from the result.
func (s *SQLiteStore) GetChunks(ctx context.Context, tenantID string, ids []string) (map[string]model.Chunk, error) {
	out := make(map[string]model.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := append([]interface{}{tenantID}, stringArgs(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? AND chunk_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// Timeline returns the tenant's chunks matching the filter, newest first.
func (s *SQLiteStore) Timeline(ctx context.Context, p TimelineParams) ([]model.Chunk, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := chunkWhere(p.TenantID, p)
	query := fmt.Sprintf(`SELECT %s FROM chunks c WHERE %s ORDER BY c.ts DESC, c.chunk_id ASC LIMIT ?`,
		prefixed("c.", chunkColumns), strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListChunks returns all of the tenant's chunks oldest first.
func (s *SQLiteStore) ListChunks(ctx context.Context, tenantID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? ORDER BY ts, chunk_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// chunkWhere builds the tenant and filter clauses for chunk queries on alias c.
func chunkWhere(tenantID string, p TimelineParams) ([]string, []interface{}) {
	where := []string{"c.tenant_id = ?"}
	args := []interface{}{tenantID}
	add := func(clause string, v interface{}) {
		where = append(where, clause)
		args = append(args, v)
	}

	f := p.Filter
	if f.SessionID != "" {
		add("c.session_id = ?", f.SessionID)
	}
	if f.SubjectType != "" {
		add("c.subject_type = ?", f.SubjectType)
	}
	if f.SubjectID != "" {
		add("c.subject_id = ?", f.SubjectID)
	}
	if f.ProjectID != "" {
		add("c.project_id = ?", f.ProjectID)
	}
	if f.Scope != "" {
		add("c.scope = ?", string(f.Scope))
	}
	if f.Channel != "" {
		add("c.channel = ?", string(f.Channel))
	}
	if f.Kind != "" {
		add("c.kind = ?", f.Kind)
	}
	for _, tag := range f.Tags {
		add("c.tags LIKE ?", "%\""+tag+"\"%")
	}
	if !p.Since.IsZero() {
		add("c.ts >= ?", formatTime(p.Since))
	}
	if !p.Until.IsZero() {
		add("c.ts < ?", formatTime(p.Until))
	}
	return where, args
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanEvent(row scanner) (model.Event, error) {
	var ev model.Event
	var tags sql.NullString
	var ts string
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SessionID, &ev.Actor.Type, &ev.Actor.ID, &ev.Kind,
		&ev.Channel, &ev.Sensitivity, &ev.Text, &tags, &ts)
	if err != nil {
		return ev, err
	}
	ev.Tags = unmarshalList(tags)
	ev.TS = parseTime(ts)
	return ev, nil
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	var eventID, sessionID, subjectType, subjectID, projectID, tags sql.NullString
	var ts string
	err := row.Scan(&c.ID, &c.TenantID, &eventID, &sessionID, &c.Seq, &c.Text, &c.Importance, &c.Scope,
		&subjectType, &subjectID, &projectID, &c.Channel, &tags, &c.Kind, &c.TokenEst, &ts)
	if err != nil {
		return c, err
	}
	c.EventID = stringOf(eventID)
	c.SessionID = stringOf(sessionID)
	c.SubjectType = stringOf(subjectType)
	c.SubjectID = stringOf(subjectID)
	c.ProjectID = stringOf(projectID)
	c.Tags = unmarshalList(tags)
	c.TS = parseTime(ts)
	return c, nil
}
