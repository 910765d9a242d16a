package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScopeRank(t *testing.T) {
	tests := []struct {
		scope Scope
		rank  int
	}{
		{ScopeSession, 1},
		{ScopeUser, 2},
		{ScopeProject, 3},
		{ScopePolicy, 4},
		{ScopeGlobal, 4},
		{Scope("team"), 0},
		{Scope(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			assert.Equal(t, tt.rank, tt.scope.Rank())
			assert.Equal(t, tt.rank > 0, tt.scope.Valid())
		})
	}

	assert.True(t, ScopePolicy.Outranks(ScopeProject))
	assert.False(t, ScopePolicy.Outranks(ScopeGlobal))
	assert.False(t, ScopeGlobal.Outranks(ScopePolicy))
	assert.False(t, ScopeSession.Outranks(ScopeUser))
}

func TestCapsuleVisibleTo(t *testing.T) {
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := Capsule{
		AudienceAgentIDs: []string{"coder", "tester"},
		Status:           CapsuleActive,
		CreatedAt:        created,
		ExpiresAt:        created.Add(24 * time.Hour),
	}

	assert.True(t, c.VisibleTo("coder", created))
	assert.False(t, c.VisibleTo("author", created), "not in audience")
	assert.True(t, c.VisibleTo("tester", c.ExpiresAt.Add(-time.Nanosecond)))
	assert.False(t, c.VisibleTo("tester", c.ExpiresAt), "expiry instant is exclusive")

	c.Status = CapsuleRevoked
	assert.False(t, c.VisibleTo("coder", created))
}

func TestPatchEmpty(t *testing.T) {
	text := "x"
	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{Text: &text}.Empty())
	assert.False(t, Patch{Channel: ChannelTeam}.Empty())
}

func TestMemoryEditApplied(t *testing.T) {
	now := time.Now()
	assert.True(t, MemoryEdit{Status: EditApproved, AppliedAt: &now}.Applied())
	assert.False(t, MemoryEdit{Status: EditApproved}.Applied())
	assert.False(t, MemoryEdit{Status: EditPending, AppliedAt: &now}.Applied())
}

func TestIdentityHasRole(t *testing.T) {
	id := Identity{Roles: []string{RoleReviewer}}
	assert.True(t, id.HasRole(RoleReviewer, RoleAdmin))
	assert.False(t, id.HasRole(RoleAdmin))
	assert.False(t, Identity{}.HasRole(RoleReviewer))
}
