package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/store"
	"github.com/rcliao/memgov/internal/testutil"
)

func setup(t *testing.T) (*Runner, *store.SQLiteStore, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, clk, nil, Options{MaxAttempts: 3, Backoff: time.Minute}), s, clk
}

func TestRunPending_BuiltInJobs(t *testing.T) {
	r, s, clk := setup(t)
	ctx := context.Background()

	_, _, err := s.RecordEvent(ctx, store.RecordEventParams{
		TenantID: "t1", SessionID: "s1", Actor: model.Actor{Type: "agent", ID: "a1"},
		Kind: "note", Channel: model.ChannelTeam, Text: "the build cache lives in /var/cache",
	})
	require.NoError(t, err)
	c, err := s.InsertCapsule(ctx, model.Capsule{
		TenantID: "t1", Scope: model.ScopeProject, AuthorAgentID: "a1", AudienceAgentIDs: []string{"a2"},
		TTLDays: 1, Status: model.CapsuleActive, CreatedAt: clk.Now(), ExpiresAt: clk.Now().AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	before, err := s.TenantStats(ctx, "t1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, -1, before.StalenessSeconds)

	clk.Advance(25 * time.Hour)
	require.NoError(t, r.Schedule(ctx))
	done, err := r.RunPending(ctx)
	require.NoError(t, err)
	require.Len(t, done, 2)
	for _, j := range done {
		assert.Equal(t, model.JobCompleted, j.Status, j.Kind)
		assert.Equal(t, 1, j.Attempts)
	}

	stats, err := s.TenantStats(ctx, "t1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 0, stats.StalenessSeconds)

	stored, err := s.GetCapsule(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CapsuleExpired, stored.Status)

	clk.Advance(90 * time.Second)
	stats, err = s.TenantStats(ctx, "t1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 90, stats.StalenessSeconds)
}

func TestRunPending_RetriesThenCompletes(t *testing.T) {
	r, s, clk := setup(t)
	ctx := context.Background()

	calls := 0
	r.Register("flaky", func(context.Context, time.Time) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("disk busy")
		}
		return 1, nil
	})
	j, err := r.Enqueue(ctx, "flaky")
	require.NoError(t, err)

	done, err := r.RunPending(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, model.JobPending, done[0].Status)
	assert.Equal(t, "disk busy", done[0].LastError)

	done, err = r.RunPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, done, "a retry is not due before its backoff")

	clk.Advance(time.Minute)
	_, err = r.RunPending(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = r.RunPending(ctx)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestRunPending_ExhaustsAttempts(t *testing.T) {
	r, s, clk := setup(t)
	ctx := context.Background()

	r.Register("broken", func(context.Context, time.Time) (int, error) {
		return 0, errors.New("always fails")
	})
	j, err := r.Enqueue(ctx, "broken")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := r.RunPending(ctx)
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "always fails", got.LastError)
	require.NotNil(t, got.FinishedAt)

	failed, err := s.ListJobs(ctx, model.JobFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestEnqueue_UnknownKind(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Enqueue(context.Background(), "defragment")
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "loop.db"))
	require.NoError(t, err)
	defer s.Close()
	r := New(s, nil, nil, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	jobs, err := s.ListJobs(context.Background(), model.JobCompleted, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, jobs)
}

func TestSchedule_SkipsKindsAlreadyQueued(t *testing.T) {
	r, s, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, r.Schedule(ctx))
	require.NoError(t, r.Schedule(ctx))

	pending, err := s.ListJobs(ctx, model.JobPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "one job per kind")

	done, err := r.RunPending(ctx)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	require.NoError(t, r.Schedule(ctx))
	pending, err = s.ListJobs(ctx, model.JobPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "finished kinds are scheduled again")
}

func TestSchedule_ReclaimsAbandonedJob(t *testing.T) {
	r, s, clk := setup(t)
	ctx := context.Background()

	j, err := r.Enqueue(ctx, KindRefreshTenantStats)
	require.NoError(t, err)
	claimed, err := s.ClaimJob(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, j.ID, claimed.ID)

	clk.Advance(DefaultStaleAfter / 2)
	require.NoError(t, r.Schedule(ctx))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status, "not stale yet")

	clk.Advance(DefaultStaleAfter)
	require.NoError(t, r.Schedule(ctx))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, "abandoned while running", got.LastError)

	_, err = r.RunPending(ctx)
	require.NoError(t, err)
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestSchedule_PrunesFinishedJobs(t *testing.T) {
	r, s, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, r.Schedule(ctx))
	_, err := r.RunPending(ctx)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	require.NoError(t, r.Schedule(ctx))
	completed, err := s.ListJobs(ctx, model.JobCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 2, "kept within retention")

	clk.Advance(DefaultRetention)
	require.NoError(t, r.Schedule(ctx))
	completed, err = s.ListJobs(ctx, model.JobCompleted, 0)
	require.NoError(t, err)
	assert.Empty(t, completed)
}
