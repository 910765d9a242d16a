package capsule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/store"
	"github.com/rcliao/memgov/internal/testutil"
)

var (
	author   = model.Identity{TenantID: "t1", AgentID: "planner"}
	reader   = model.Identity{TenantID: "t1", AgentID: "coder"}
	outsider = model.Identity{TenantID: "t1", AgentID: "tester"}
	foreign  = model.Identity{TenantID: "t2", AgentID: "coder"}
)

type fixture struct {
	m       *Manager
	s       *store.SQLiteStore
	clk     *testutil.ManualClock
	chunkID string
}

func setup(t *testing.T) fixture {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "capsule.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	res, err := resolve.NewResolver(resolve.ClampFinal, 0)
	require.NoError(t, err)

	_, chunks, err := s.RecordEvent(context.Background(), store.RecordEventParams{
		TenantID: "t1", SessionID: "s1", Actor: model.Actor{Type: "agent", ID: "planner"},
		Kind: "note", Channel: model.ChannelTeam, Text: "migration plan: add column then backfill",
	})
	require.NoError(t, err)

	return fixture{m: NewManager(s, res, clk, nil), s: s, clk: clk, chunkID: chunks[0].ID}
}

func (f fixture) create(t *testing.T, ttl int) *model.Capsule {
	t.Helper()
	c, err := f.m.Create(context.Background(), author, CreateParams{
		Scope:            model.ScopeProject,
		ProjectID:        "p1",
		AudienceAgentIDs: []string{"coder", " coder ", ""},
		Items:            model.CapsuleItems{Chunks: []string{f.chunkID}},
		Risks:            []string{"backfill is slow"},
		TTLDays:          ttl,
	})
	require.NoError(t, err)
	return c
}

func TestCreate(t *testing.T) {
	f := setup(t)
	c := f.create(t, 7)

	assert.Equal(t, model.CapsuleActive, c.Status)
	assert.Equal(t, "planner", c.AuthorAgentID)
	assert.Equal(t, []string{"coder"}, c.AudienceAgentIDs)
	assert.True(t, c.ExpiresAt.Equal(testutil.Epoch.AddDate(0, 0, 7)))
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	valid := CreateParams{Scope: model.ScopeProject, AudienceAgentIDs: []string{"coder"}, TTLDays: 1}

	tests := []struct {
		name  string
		mod   func(*CreateParams)
		field string
	}{
		{"ttl zero", func(p *CreateParams) { p.TTLDays = 0 }, "ttl_days"},
		{"ttl above max", func(p *CreateParams) { p.TTLDays = 366 }, "ttl_days"},
		{"empty audience", func(p *CreateParams) { p.AudienceAgentIDs = []string{" "} }, "audience_agent_ids"},
		{"bad scope", func(p *CreateParams) { p.Scope = "team" }, "scope"},
		{"unknown chunk", func(p *CreateParams) { p.Items.Chunks = []string{"nope"} }, "items.chunks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mod(&p)
			_, err := f.m.Create(ctx, author, p)
			var ae *apperr.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, apperr.KindValidation, ae.Kind)
			assert.Contains(t, ae.Fields, tt.field)
		})
	}

	p := valid
	p.TTLDays = 365
	_, err := f.m.Create(ctx, author, p)
	assert.NoError(t, err)
}

func TestGet_AudienceAndTenant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 7)

	got, err := f.m.Get(ctx, reader, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, errOutsider := f.m.Get(ctx, outsider, c.ID)
	_, errForeign := f.m.Get(ctx, foreign, c.ID)
	assert.True(t, apperr.IsNotFound(errOutsider))
	assert.True(t, apperr.IsNotFound(errForeign))
	assert.Equal(t, errForeign.Error(), errOutsider.Error(), "denial must look like absence")
}

func TestGet_LazyExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 1)

	f.clk.Set(c.ExpiresAt.Add(-time.Nanosecond))
	_, err := f.m.Get(ctx, reader, c.ID)
	require.NoError(t, err)

	f.clk.Set(c.ExpiresAt)
	_, err = f.m.Get(ctx, reader, c.ID)
	assert.True(t, apperr.IsNotFound(err), "capsule must be invisible at expires_at")

	stored, err := f.s.GetCapsule(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleActive, stored.Status, "expiry needs no persisted transition")
}

func TestRevoke_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 7)

	status, err := f.m.Revoke(ctx, author, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleRevoked, status)

	status, err = f.m.Revoke(ctx, author, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleRevoked, status)

	_, err = f.m.Get(ctx, reader, c.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestRevoke_Authorization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 7)

	_, err := f.m.Revoke(ctx, reader, c.ID)
	assert.True(t, apperr.IsDenied(err), "got %v", err)

	_, err = f.m.Revoke(ctx, foreign, c.ID)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)

	admin := model.Identity{TenantID: "t1", AgentID: "ops", Roles: []string{model.RoleAdmin}}
	status, err := f.m.Revoke(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleRevoked, status)
}

func TestRevoke_ExpiredStaysExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 1)

	f.clk.Advance(48 * time.Hour)
	status, err := f.m.Revoke(ctx, author, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleExpired, status)

	status, err = f.m.Revoke(ctx, author, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleExpired, status)
}

func TestListAvailable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	older := f.create(t, 30)
	f.clk.Advance(time.Minute)
	newer := f.create(t, 30)
	f.clk.Advance(time.Minute)
	revoked := f.create(t, 30)
	_, err := f.m.Revoke(ctx, author, revoked.ID)
	require.NoError(t, err)

	got, err := f.m.ListAvailable(ctx, reader, ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	got, err = f.m.ListAvailable(ctx, outsider, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.m.ListAvailable(ctx, reader, ListFilter{ProjectID: "other"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApprovedRetractHidesCapsule(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, 7)

	e, err := f.s.InsertEdit(ctx, model.MemoryEdit{
		TenantID: "t1", TargetType: model.TargetCapsule, TargetID: c.ID,
		Op: model.OpQuarantine, Reason: "leaks a secret", ProposedBy: "human",
	})
	require.NoError(t, err)

	_, err = f.m.Get(ctx, reader, c.ID)
	require.NoError(t, err, "pending edits must not fold")

	_, err = f.s.ApproveEdit(ctx, "t1", e.ID, "rev", f.clk.Now())
	require.NoError(t, err)

	_, err = f.m.Get(ctx, reader, c.ID)
	assert.True(t, apperr.IsNotFound(err))
	got, err := f.m.ListAvailable(ctx, reader, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
