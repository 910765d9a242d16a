package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/testutil"
)

func TestResolver_MatchesFold(t *testing.T) {
	for _, size := range []int64{0, 100} {
		r, err := NewResolver(ClampFinal, size)
		require.NoError(t, err)

		edits := []model.MemoryEdit{
			approved("e1", testutil.Epoch, model.OpAmend, model.Patch{Text: ptr("amended")}),
		}
		want := Fold(base(), edits, ClampFinal)

		// Repeated calls return the same view whether or not the cache holds it.
		for i := 0; i < 3; i++ {
			assert.Equal(t, want, r.Resolve(base(), edits))
		}
		r.Close()
	}
}

func TestResolver_NewEditChangesView(t *testing.T) {
	r, err := NewResolver(ClampFinal, 100)
	require.NoError(t, err)
	defer r.Close()

	edits := []model.MemoryEdit{
		approved("e1", testutil.Epoch, model.OpAmend, model.Patch{Text: ptr("amended")}),
	}
	first := r.Resolve(base(), edits)
	assert.False(t, first.Retracted)

	edits = append(edits, approved("e2", testutil.Epoch.Add(time.Second), model.OpRetract, model.Patch{}))
	second := r.Resolve(base(), edits)
	assert.True(t, second.Retracted)
}

func TestCacheKey_IgnoresPendingEdits(t *testing.T) {
	applied := approved("e1", testutil.Epoch, model.OpAmend, model.Patch{})
	pending := model.MemoryEdit{ID: "e2", TargetID: "c1", Status: model.EditPending}

	assert.Equal(t,
		cacheKey(base(), []model.MemoryEdit{applied}),
		cacheKey(base(), []model.MemoryEdit{applied, pending}))
}
