package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/capsule"
	"github.com/rcliao/memgov/internal/compose"
	"github.com/rcliao/memgov/internal/config"
	"github.com/rcliao/memgov/internal/embedding"
	"github.com/rcliao/memgov/internal/ledger"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/precedence"
	"github.com/rcliao/memgov/internal/store"
	"github.com/rcliao/memgov/internal/testutil"
)

var (
	coder    = model.Identity{TenantID: "acme", AgentID: "coder"}
	lead     = model.Identity{TenantID: "acme", AgentID: "lead", Roles: []string{model.RoleReviewer}}
	admin    = model.Identity{TenantID: "acme", AgentID: "ops", Roles: []string{model.RoleAdmin}}
	stranger = model.Identity{TenantID: "globex", AgentID: "coder"}
)

func setup(t *testing.T, opts Options) (*Service, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	opts.Clock = clk

	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "memgov.db")
	svc, err := Open(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, clk
}

func note(t *testing.T, svc *Service, id model.Identity, text string) string {
	t.Helper()
	res, err := svc.RecordEvent(context.Background(), id, EventInput{
		SessionID: "s1",
		Actor:     model.Actor{Type: "agent", ID: id.AgentID},
		Kind:      "note",
		Channel:   model.ChannelTeam,
		Text:      text,
		ProjectID: "p1",
	})
	require.NoError(t, err)
	require.Len(t, res.ChunkIDs, 1)
	return res.ChunkIDs[0]
}

func approve(t *testing.T, svc *Service, p ledger.Proposal) *model.MemoryEdit {
	t.Helper()
	ctx := context.Background()
	e, err := svc.RecordEdit(ctx, coder, p)
	require.NoError(t, err)
	e, err = svc.ApproveEdit(ctx, lead, e.ID)
	require.NoError(t, err)
	return e
}

func searchIDs(t *testing.T, svc *Service, id model.Identity, query string, read ReadOptions) []string {
	t.Helper()
	res, err := svc.Search(context.Background(), id, SearchRequest{Query: query, Read: read})
	require.NoError(t, err)
	var out []string
	for _, r := range res {
		out = append(out, r.ChunkID)
	}
	return out
}

func timelineIDs(t *testing.T, svc *Service, id model.Identity) []string {
	t.Helper()
	res, err := svc.Timeline(context.Background(), id, TimelineRequest{})
	require.NoError(t, err)
	var out []string
	for _, r := range res {
		out = append(out, r.ChunkID)
	}
	return out
}

func TestRetractHidesFromEveryReadPath(t *testing.T) {
	svc, clk := setup(t, Options{})
	ctx := context.Background()

	keep := note(t, svc, coder, "deploy with blue green rollouts")
	clk.Advance(time.Minute)
	wrong := note(t, svc, coder, "deploy straight to production on fridays")
	d, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopeProject, Decision: "deploy only on weekdays"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{keep, wrong}, searchIDs(t, svc, coder, "deploy", ReadOptions{}))

	pending, err := svc.RecordEdit(ctx, coder, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: wrong, Op: model.OpRetract, Reason: "unsafe advice", ProposedBy: "agent",
	})
	require.NoError(t, err)
	assert.Contains(t, searchIDs(t, svc, coder, "deploy", ReadOptions{}), wrong, "pending edits never fold")

	_, err = svc.ApproveEdit(ctx, lead, pending.ID)
	require.NoError(t, err)
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetDecision, TargetID: d.ID, Op: model.OpRetract, Reason: "reversed", ProposedBy: "human",
	})

	assert.Equal(t, []string{keep}, searchIDs(t, svc, coder, "deploy", ReadOptions{}))
	assert.Equal(t, []string{keep}, searchIDs(t, svc, coder, "deploy", ReadOptions{IncludeQuarantined: true}))
	assert.Equal(t, []string{keep}, timelineIDs(t, svc, coder))

	decisions, err := svc.ActiveDecisions(ctx, coder, precedence.Filter{}, "")
	require.NoError(t, err)
	assert.Empty(t, decisions)

	b, err := svc.BuildBundle(ctx, coder, BundleRequest{
		SessionID: "s1", Channel: model.ChannelTeam, QueryText: "deploy", MaxTokens: 1000,
	})
	require.NoError(t, err)
	assert.Empty(t, b.Decisions)
	require.Len(t, b.Chunks, 1)
	assert.Equal(t, keep, b.Chunks[0].ChunkID)

	resolved, err := svc.ResolveChunk(ctx, lead, wrong)
	require.NoError(t, err)
	assert.True(t, resolved.View.Retracted)
	assert.Equal(t, 1, resolved.View.EditsApplied)
	assert.Equal(t, "deploy straight to production on fridays", resolved.Chunk.Text, "base record is untouched")

	rd, err := svc.ResolveDecision(ctx, lead, d.ID)
	require.NoError(t, err)
	assert.True(t, rd.View.Retracted)
	assert.Len(t, rd.Edits, 1)
}

func TestRetractedContentNeverReachesPlainAgents(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	leaked := note(t, svc, coder, "the admin password is hunter2")
	fixed := note(t, svc, coder, "the backup job runs at 0200")
	plan, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopeProject, Decision: "secret plan"})
	require.NoError(t, err)
	kept, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopeProject, Decision: "use postgres 15"})
	require.NoError(t, err)

	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: leaked, Op: model.OpRetract, Reason: "credential", ProposedBy: "human",
	})
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetDecision, TargetID: plan.ID, Op: model.OpRetract, Reason: "withdrawn", ProposedBy: "human",
	})
	corrected := "the backup job runs at 0300"
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: fixed, Op: model.OpAmend, Reason: "moved", ProposedBy: "agent",
		Patch: model.Patch{Text: &corrected},
	})
	amended := "use postgres 16"
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetDecision, TargetID: kept.ID, Op: model.OpAmend, Reason: "upgrade", ProposedBy: "agent",
		Patch: model.Patch{Text: &amended},
	})

	decisions, err := svc.ListDecisions(ctx, coder, store.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, kept.ID, decisions[0].ID)
	assert.Equal(t, amended, decisions[0].Decision)

	_, err = svc.ResolveChunk(ctx, coder, leaked)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
	_, err = svc.ResolveDecision(ctx, coder, plan.ID)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)

	rc, err := svc.ResolveChunk(ctx, coder, fixed)
	require.NoError(t, err)
	assert.Equal(t, corrected, rc.Chunk.Text)
	assert.Empty(t, rc.Edits)

	rd, err := svc.ResolveDecision(ctx, coder, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, amended, rd.Decision.Decision)
	assert.Empty(t, rd.Edits)

	_, err = svc.Export(ctx, coder)
	assert.True(t, apperr.IsDenied(err), "got %v", err)
	_, err = svc.Export(ctx, lead)
	assert.True(t, apperr.IsDenied(err), "got %v", err)

	all, err := svc.ListDecisions(ctx, lead, store.DecisionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "reviewers audit the records as written")
}

func TestAmendAttenuateAndBlock(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	id := note(t, svc, coder, "the staging database listens on port 5432")
	text := "the staging database listens on port 6432"
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpAmend, Reason: "port moved", ProposedBy: "human",
		Patch: model.Patch{Text: &text},
	})
	delta := -0.2
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpAttenuate, Reason: "less central", ProposedBy: "agent",
		Patch: model.Patch{ImportanceDelta: &delta},
	})

	res, err := svc.Search(ctx, coder, SearchRequest{Query: "staging"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, text, res[0].Text)
	assert.InDelta(t, 0.3, res[0].Importance, 1e-9)

	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpBlock, Reason: "internal only", ProposedBy: "human",
		Patch: model.Patch{Channel: model.ChannelPublic},
	})
	assert.Equal(t, []string{id}, searchIDs(t, svc, coder, "staging", ReadOptions{Channel: model.ChannelTeam}))
	assert.Empty(t, searchIDs(t, svc, coder, "staging", ReadOptions{Channel: model.ChannelPublic}))

	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpQuarantine, Reason: "under review", ProposedBy: "agent",
	})
	assert.Empty(t, searchIDs(t, svc, coder, "staging", ReadOptions{}))
	assert.Equal(t, []string{id}, searchIDs(t, svc, coder, "staging", ReadOptions{IncludeQuarantined: true}))

	history, err := svc.ListEdits(ctx, coder, store.EditFilter{TargetID: id})
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	id := note(t, svc, coder, "acme launch codes are in the vault")

	assert.Empty(t, searchIDs(t, svc, stranger, "launch", ReadOptions{}))
	assert.Empty(t, timelineIDs(t, svc, stranger))

	_, err := svc.ResolveChunk(ctx, stranger, id)
	assert.True(t, apperr.IsNotFound(err))

	_, err = svc.RecordEdit(ctx, stranger, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpRetract, Reason: "sabotage", ProposedBy: "agent",
	})
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestIdentityAndInputValidation(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := svc.Search(ctx, model.Identity{AgentID: "coder"}, SearchRequest{Query: "x"})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.RecordEvent(ctx, coder, EventInput{
		Actor:       model.Actor{Type: "robot"},
		Channel:     "radio",
		Sensitivity: "medium",
		Importance:  func() *float64 { v := 1.5; return &v }(),
	})
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	for _, field := range []string{"session_id", "actor.type", "actor.id", "kind", "channel", "sensitivity", "content.text", "importance"} {
		assert.Contains(t, ae.Fields, field)
	}

	_, err = svc.RecordDecision(ctx, coder, DecisionInput{Scope: "team", Decision: " "})
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Fields, "scope")
	assert.Contains(t, ae.Fields, "decision")

	_, err = svc.BuildBundle(ctx, coder, BundleRequest{Channel: model.ChannelTeam, MaxTokens: 10})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.ApproveEdit(ctx, coder, "nope")
	assert.True(t, apperr.IsDenied(err))
}

func TestSecretEventsAreNotSearchable(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	res, err := svc.RecordEvent(ctx, coder, EventInput{
		SessionID: "s1", Actor: model.Actor{Type: "human", ID: "dana"}, Kind: "credential",
		Channel: model.ChannelPrivate, Sensitivity: model.SensitivitySecret, Text: "api token hunter2",
	})
	require.NoError(t, err)
	assert.Empty(t, res.ChunkIDs)
	assert.Empty(t, searchIDs(t, svc, coder, "hunter2", ReadOptions{}))
}

func TestDecisionsPrecedenceAndSupersede(t *testing.T) {
	svc, clk := setup(t, Options{})
	ctx := context.Background()

	project, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopeProject, Decision: "use postgres", ProjectID: "p1"})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	policy, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopePolicy, Decision: "no customer data in logs"})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	newer, err := svc.RecordDecision(ctx, coder, DecisionInput{Scope: model.ScopeProject, Decision: "use sqlite", ProjectID: "p1"})
	require.NoError(t, err)

	got, err := svc.ActiveDecisions(ctx, coder, precedence.Filter{}, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{policy.ID, newer.ID, project.ID}, []string{got[0].ID, got[1].ID, got[2].ID})

	require.NoError(t, svc.SupersedeDecision(ctx, coder, project.ID))
	err = svc.SupersedeDecision(ctx, coder, project.ID)
	assert.True(t, apperr.IsConflict(err), "got %v", err)

	got, err = svc.ActiveDecisions(ctx, coder, precedence.Filter{ProjectID: "p1"}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].ID)

	text := "use sqlite in WAL mode"
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetDecision, TargetID: newer.ID, Op: model.OpAmend, Reason: "clarify", ProposedBy: "human",
		Patch: model.Patch{Text: &text},
	})
	got, err = svc.ActiveDecisions(ctx, coder, precedence.Filter{ProjectID: "p1"}, "")
	require.NoError(t, err)
	assert.Equal(t, text, got[0].Decision)
}

func TestCapsulesInBundle(t *testing.T) {
	svc, clk := setup(t, Options{})
	ctx := context.Background()
	planner := model.Identity{TenantID: "acme", AgentID: "planner"}

	chunk := note(t, svc, planner, "migration plan: add column then backfill")
	c, err := svc.CreateCapsule(ctx, planner, capsule.CreateParams{
		Scope: model.ScopeProject, ProjectID: "p1", AudienceAgentIDs: []string{"coder"},
		Items: model.CapsuleItems{Chunks: []string{chunk}}, TTLDays: 1,
	})
	require.NoError(t, err)

	req := BundleRequest{Channel: model.ChannelTeam, QueryText: "migration", MaxTokens: 1000, ProjectID: "p1"}
	b, err := svc.BuildBundle(ctx, coder, req)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, b.CapsuleRefs)

	_, err = svc.GetCapsule(ctx, model.Identity{TenantID: "acme", AgentID: "tester"}, c.ID)
	assert.True(t, apperr.IsNotFound(err))

	clk.Advance(24 * time.Hour)
	b, err = svc.BuildBundle(ctx, coder, req)
	require.NoError(t, err)
	assert.Empty(t, b.CapsuleRefs, "expired capsules drop out without a sweep")

	status, err := svc.RevokeCapsule(ctx, planner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleExpired, status)
}

func TestBundleRespectsBudget(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		note(t, svc, coder, "incident report: the cache stampede took down the api for a while, see runbook section on cache warming and request coalescing")
	}
	b, err := svc.BuildBundle(ctx, coder, BundleRequest{Channel: model.ChannelTeam, QueryText: "cache", MaxTokens: 1000})
	require.NoError(t, err)
	assert.LessOrEqual(t, b.EstimatedTokens, 1000)
	assert.True(t, b.Truncated)
	assert.NotEmpty(t, b.Chunks)
	assert.IsType(t, &compose.Bundle{}, b)
}

func TestTasks(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	a, err := svc.CreateTask(ctx, coder, "write migration")
	require.NoError(t, err)
	b, err := svc.CreateTask(ctx, coder, "run backfill")
	require.NoError(t, err)

	require.NoError(t, svc.AddTaskDependency(ctx, coder, b.ID, a.ID))
	err = svc.AddTaskDependency(ctx, coder, a.ID, b.ID)
	assert.True(t, apperr.IsValidation(err), "got %v", err)

	require.NoError(t, svc.CompleteTask(ctx, coder, a.ID))
	open, err := svc.ListTasks(ctx, coder, model.TaskOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)

	got, err := svc.GetTask(ctx, coder, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, got.DependsOn)
}

func TestStatsAndMaintenance(t *testing.T) {
	svc, clk := setup(t, Options{})
	ctx := context.Background()

	note(t, svc, coder, "first note")
	st, err := svc.Stats(ctx, coder)
	require.NoError(t, err)
	assert.Equal(t, -1, st.StalenessSeconds)

	require.NoError(t, svc.Maintenance().Schedule(ctx))
	_, err = svc.Maintenance().RunPending(ctx)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	st, err = svc.Stats(ctx, coder)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Events)
	assert.Equal(t, 10, st.StalenessSeconds)

	_, err = svc.DBStats(ctx, coder)
	assert.True(t, apperr.IsDenied(err))
	db, err := svc.DBStats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, db.TotalEvents)

	tenants, err := svc.ListTenants(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestExportImport(t *testing.T) {
	svc, _ := setup(t, Options{})
	ctx := context.Background()

	id := note(t, svc, coder, "rotate the signing keys every quarter")
	approve(t, svc, ledger.Proposal{
		TargetType: model.TargetChunk, TargetID: id, Op: model.OpQuarantine, Reason: "check", ProposedBy: "agent",
	})

	snap, err := svc.Export(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 1)
	assert.Len(t, snap.Chunks, 1)
	assert.Len(t, snap.Edits, 1)

	other, _ := setup(t, Options{})
	res, err := other.Import(ctx, stranger, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, []string{id}, searchIDs(t, other, stranger, "signing", ReadOptions{}), "edits are not imported")

	res, err = other.Import(ctx, stranger, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
}

func TestHybridSearchWithEmbedder(t *testing.T) {
	svc, _ := setup(t, Options{Embedder: embedding.NewHashEmbedder(64)})
	ctx := context.Background()

	id := note(t, svc, coder, "kubernetes cluster autoscaler settings")
	note(t, svc, stranger, "kubernetes cluster autoscaler settings")

	res, err := svc.Search(ctx, coder, SearchRequest{Query: "autoscaler"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, id, res[0].ChunkID)
}
