package resolve

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func approved(id string, at time.Time, op model.Op, patch model.Patch) model.MemoryEdit {
	return model.MemoryEdit{
		ID:         id,
		TargetType: model.TargetChunk,
		TargetID:   "c1",
		Op:         op,
		Status:     model.EditApproved,
		Patch:      patch,
		AppliedAt:  ptr(at),
	}
}

func base() Base {
	return Base{TargetType: model.TargetChunk, TargetID: "c1", Text: "original", Importance: 0.5}
}

func TestFold_NoEdits(t *testing.T) {
	v := Fold(base(), nil, ClampFinal)

	assert.Equal(t, "original", v.Text)
	assert.Equal(t, 0.5, v.Importance)
	assert.False(t, v.Retracted)
	assert.False(t, v.Quarantined)
	assert.Empty(t, v.BlockedChannels)
	assert.Equal(t, 0, v.EditsApplied)
	assert.Nil(t, v.LastAppliedAt)
}

func TestFold_AmendThenAttenuateDelta(t *testing.T) {
	t1 := testutil.Epoch
	t2 := t1.Add(time.Minute)
	edits := []model.MemoryEdit{
		approved("e2", t2, model.OpAttenuate, model.Patch{ImportanceDelta: ptr(-0.3)}),
		approved("e1", t1, model.OpAmend, model.Patch{Importance: ptr(0.8)}),
	}

	v := Fold(base(), edits, ClampFinal)

	assert.InDelta(t, 0.5, v.Importance, 1e-9)
	assert.Equal(t, 2, v.EditsApplied)
	require.NotNil(t, v.LastAppliedAt)
	assert.True(t, v.LastAppliedAt.Equal(t2))
}

func TestFold_AbsoluteResetsBaseline(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpAttenuate, model.Patch{ImportanceDelta: ptr(0.2)}),
		approved("e2", t0.Add(time.Second), model.OpAttenuate, model.Patch{Importance: ptr(0.1)}),
		approved("e3", t0.Add(2*time.Second), model.OpAttenuate, model.Patch{ImportanceDelta: ptr(0.05)}),
	}

	v := Fold(base(), edits, ClampFinal)
	assert.InDelta(t, 0.15, v.Importance, 1e-9)
}

func TestFold_RetractDominates(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpRetract, model.Patch{}),
		approved("e2", t0.Add(time.Second), model.OpAmend, model.Patch{Text: ptr("rewritten")}),
		approved("e3", t0.Add(2*time.Second), model.OpAttenuate, model.Patch{Importance: ptr(1.0)}),
	}

	v := Fold(base(), edits, ClampFinal)

	assert.True(t, v.Retracted)
	assert.Equal(t, 3, v.EditsApplied, "edits after a retract are still counted")
	assert.False(t, v.Visible(ReadOptions{IncludeQuarantined: true}))
}

func TestFold_LatestAmendTextWins(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpAmend, model.Patch{Text: ptr("first")}),
		approved("e2", t0.Add(time.Second), model.OpAmend, model.Patch{Text: ptr("second")}),
		approved("e3", t0.Add(2*time.Second), model.OpAmend, model.Patch{Importance: ptr(0.9)}),
	}

	v := Fold(base(), edits, ClampFinal)
	assert.Equal(t, "second", v.Text)
	assert.Equal(t, 0.9, v.Importance)
}

func TestFold_TiesBreakOnEditID(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("b", t0, model.OpAmend, model.Patch{Text: ptr("from b")}),
		approved("a", t0, model.OpAmend, model.Patch{Text: ptr("from a")}),
	}

	v := Fold(base(), edits, ClampFinal)
	assert.Equal(t, "from b", v.Text, "b sorts after a and is applied last")
}

func TestFold_IgnoresUnapprovedEdits(t *testing.T) {
	t0 := testutil.Epoch
	pending := approved("p", t0, model.OpRetract, model.Patch{})
	pending.Status = model.EditPending
	rejected := approved("r", t0, model.OpQuarantine, model.Patch{})
	rejected.Status = model.EditRejected
	noApplied := approved("n", t0, model.OpRetract, model.Patch{})
	noApplied.AppliedAt = nil

	v := Fold(base(), []model.MemoryEdit{pending, rejected, noApplied}, ClampFinal)

	assert.False(t, v.Retracted)
	assert.False(t, v.Quarantined)
	assert.Equal(t, 0, v.EditsApplied)
}

func TestFold_QuarantineAndBlock(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpQuarantine, model.Patch{}),
		approved("e2", t0.Add(time.Second), model.OpBlock, model.Patch{Channel: model.ChannelPublic}),
		approved("e3", t0.Add(2*time.Second), model.OpBlock, model.Patch{Channel: model.ChannelAgent}),
		approved("e4", t0.Add(3*time.Second), model.OpBlock, model.Patch{Channel: model.ChannelPublic}),
	}

	v := Fold(base(), edits, ClampFinal)

	assert.True(t, v.Quarantined)
	assert.Equal(t, []model.Channel{model.ChannelAgent, model.ChannelPublic}, v.BlockedChannels)
	assert.False(t, v.Visible(ReadOptions{}))
	assert.True(t, v.Visible(ReadOptions{IncludeQuarantined: true, Channel: model.ChannelPrivate}))
	assert.False(t, v.Visible(ReadOptions{IncludeQuarantined: true, Channel: model.ChannelPublic}))
}

func TestFold_ClampPolicies(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpAttenuate, model.Patch{ImportanceDelta: ptr(0.9)}),
	}

	assert.Equal(t, 1.0, Fold(base(), edits, ClampFinal).Importance)
	assert.InDelta(t, 1.4, Fold(base(), edits, Unclamped).Importance, 1e-9)

	// Intermediate overshoot is not clamped: +0.9 then -0.9 returns to 0.5.
	edits = append(edits, approved("e2", t0.Add(time.Second), model.OpAttenuate, model.Patch{ImportanceDelta: ptr(-0.9)}))
	assert.InDelta(t, 0.5, Fold(base(), edits, ClampFinal).Importance, 1e-9)
}

func TestFold_IgnoresOtherTargets(t *testing.T) {
	other := approved("e1", testutil.Epoch, model.OpRetract, model.Patch{})
	other.TargetID = "c2"

	v := Fold(base(), []model.MemoryEdit{other}, ClampFinal)
	assert.False(t, v.Retracted)
	assert.Equal(t, 0, v.EditsApplied)
}

func TestFold_OrderIndependentOfInput(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("e1", t0, model.OpAmend, model.Patch{Importance: ptr(0.7), Text: ptr("one")}),
		approved("e2", t0.Add(time.Second), model.OpAttenuate, model.Patch{ImportanceDelta: ptr(-0.2)}),
		approved("e3", t0.Add(2*time.Second), model.OpBlock, model.Patch{Channel: model.ChannelTeam}),
		approved("e4", t0.Add(3*time.Second), model.OpAmend, model.Patch{Text: ptr("four")}),
		approved("e5", t0.Add(4*time.Second), model.OpAttenuate, model.Patch{ImportanceDelta: ptr(0.1)}),
	}
	want := Fold(base(), edits, ClampFinal)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]model.MemoryEdit(nil), edits...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Fold(base(), shuffled, ClampFinal))
	}
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	t0 := testutil.Epoch
	edits := []model.MemoryEdit{
		approved("b", t0.Add(time.Second), model.OpQuarantine, model.Patch{}),
		approved("a", t0, model.OpQuarantine, model.Patch{}),
	}

	ordered := Order(edits)

	require.Len(t, ordered, 2)
	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "b", edits[0].ID)
}
