package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memgov/internal/clock"
)

// currentSchemaVersion is stored in PRAGMA user_version.
// 1 - initial governance schema
const currentSchemaVersion = 1

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the record store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used for default timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// and serializes the approval guard.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, clock: clock.System{}}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) now() time.Time { return s.clock.Now().UTC() }

func newID() string {
	return ulid.Make().String()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	actor_type  TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	channel     TEXT NOT NULL,
	sensitivity TEXT NOT NULL,
	text        TEXT NOT NULL,
	tags        TEXT,
	ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_session ON events(tenant_id, session_id, ts);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id     TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	event_id     TEXT REFERENCES events(event_id),
	session_id   TEXT,
	seq          INTEGER NOT NULL DEFAULT 0,
	text         TEXT NOT NULL,
	importance   REAL NOT NULL,
	scope        TEXT NOT NULL,
	subject_type TEXT,
	subject_id   TEXT,
	project_id   TEXT,
	channel      TEXT NOT NULL,
	tags         TEXT,
	kind         TEXT NOT NULL,
	token_est    INTEGER NOT NULL,
	ts           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant_ts ON chunks(tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant_project ON chunks(tenant_id, project_id);
CREATE INDEX IF NOT EXISTS idx_chunks_event ON chunks(event_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content=chunks,
	content_rowid=rowid
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id  TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	scope        TEXT NOT NULL,
	decision     TEXT NOT NULL,
	rationale    TEXT,
	constraints  TEXT,
	alternatives TEXT,
	consequences TEXT,
	refs         TEXT,
	subject_type TEXT,
	subject_id   TEXT,
	project_id   TEXT,
	status       TEXT NOT NULL DEFAULT 'active',
	ts           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_tenant_status ON decisions(tenant_id, status);

CREATE TABLE IF NOT EXISTS memory_edits (
	edit_id     TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	op          TEXT NOT NULL,
	reason      TEXT NOT NULL,
	proposed_by TEXT NOT NULL,
	approved_by TEXT,
	status      TEXT NOT NULL DEFAULT 'pending',
	patch       TEXT,
	ts          TEXT NOT NULL,
	applied_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_edits_target ON memory_edits(tenant_id, target_type, target_id);
CREATE INDEX IF NOT EXISTS idx_edits_status ON memory_edits(tenant_id, status);

CREATE TABLE IF NOT EXISTS capsules (
	capsule_id         TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	scope              TEXT NOT NULL,
	subject_type       TEXT,
	subject_id         TEXT,
	project_id         TEXT,
	author_agent_id    TEXT NOT NULL,
	audience_agent_ids TEXT NOT NULL,
	items              TEXT NOT NULL,
	risks              TEXT,
	ttl_days           INTEGER NOT NULL,
	status             TEXT NOT NULL DEFAULT 'active',
	created_at         TEXT NOT NULL,
	expires_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capsules_tenant_status ON capsules(tenant_id, status, expires_at);

CREATE TABLE IF NOT EXISTS tasks (
	task_id   TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	title     TEXT NOT NULL,
	status    TEXT NOT NULL DEFAULT 'open',
	ts        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_deps (
	tenant_id     TEXT NOT NULL,
	task_id       TEXT NOT NULL REFERENCES tasks(task_id),
	depends_on_id TEXT NOT NULL REFERENCES tasks(task_id),
	created_at    TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_task_deps_inverse ON task_deps(depends_on_id);

CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	scheduled_at TEXT NOT NULL,
	started_at   TEXT,
	finished_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, scheduled_at);

CREATE TABLE IF NOT EXISTS tenant_stats (
	tenant_id        TEXT PRIMARY KEY,
	events           INTEGER NOT NULL,
	chunks           INTEGER NOT NULL,
	active_decisions INTEGER NOT NULL,
	active_capsules  INTEGER NOT NULL,
	pending_edits    INTEGER NOT NULL,
	approved_edits   INTEGER NOT NULL,
	refreshed_at     TEXT NOT NULL
);
`

// triggers keep the FTS index in sync and make base records immutable.
// Only terminal status transitions may touch decisions, capsules, and edits.
var triggers = []string{
	`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END`,
	`CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events BEGIN
		SELECT RAISE(ABORT, 'events are immutable');
	END`,
	`CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events BEGIN
		SELECT RAISE(ABORT, 'events are immutable');
	END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_no_update BEFORE UPDATE ON chunks BEGIN
		SELECT RAISE(ABORT, 'chunks are immutable');
	END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_no_delete BEFORE DELETE ON chunks BEGIN
		SELECT RAISE(ABORT, 'chunks are immutable');
	END`,
	`CREATE TRIGGER IF NOT EXISTS decisions_status_only BEFORE UPDATE ON decisions
	WHEN NEW.decision IS NOT OLD.decision OR NEW.scope IS NOT OLD.scope OR NEW.ts IS NOT OLD.ts
		OR NEW.tenant_id IS NOT OLD.tenant_id OR OLD.status <> 'active' BEGIN
		SELECT RAISE(ABORT, 'decisions are immutable except for the active status transition');
	END`,
	`CREATE TRIGGER IF NOT EXISTS capsules_status_only BEFORE UPDATE ON capsules
	WHEN NEW.items IS NOT OLD.items OR NEW.audience_agent_ids IS NOT OLD.audience_agent_ids
		OR NEW.expires_at IS NOT OLD.expires_at OR NEW.tenant_id IS NOT OLD.tenant_id OR OLD.status <> 'active' BEGIN
		SELECT RAISE(ABORT, 'capsules are immutable except for the active status transition');
	END`,
	`CREATE TRIGGER IF NOT EXISTS edits_decide_once BEFORE UPDATE ON memory_edits
	WHEN OLD.status <> 'pending' OR NEW.target_id IS NOT OLD.target_id OR NEW.op IS NOT OLD.op
		OR NEW.patch IS NOT OLD.patch BEGIN
		SELECT RAISE(ABORT, 'edits are append-only once decided');
	END`,
	`CREATE TRIGGER IF NOT EXISTS edits_no_delete BEFORE DELETE ON memory_edits BEGIN
		SELECT RAISE(ABORT, 'the edit ledger is append-only');
	END`,
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("apply trigger: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC()
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// marshalList encodes a string list as JSON, or NULL when empty.
func marshalList(list []string) *string {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	v := string(b)
	return &v
}

func unmarshalList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	json.Unmarshal([]byte(v.String), &out)
	return out
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func stringOf(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
