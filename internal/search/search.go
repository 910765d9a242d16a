// Package search defines the ranked-candidate search capability consumed by
// the read paths, plus a vector index and a hybrid of text and vector search.
package search

import (
	"context"
	"sort"

	"github.com/rcliao/memgov/internal/model"
)

// Filter narrows chunk candidates. Empty fields match anything; all Tags
// must be present on a chunk.
type Filter struct {
	SessionID   string
	SubjectType string
	SubjectID   string
	ProjectID   string
	Scope       model.Scope
	Channel     model.Channel
	Kind        string
	Tags        []string
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c model.Chunk) bool {
	switch {
	case f.SessionID != "" && c.SessionID != f.SessionID,
		f.SubjectType != "" && c.SubjectType != f.SubjectType,
		f.SubjectID != "" && c.SubjectID != f.SubjectID,
		f.ProjectID != "" && c.ProjectID != f.ProjectID,
		f.Scope != "" && c.Scope != f.Scope,
		f.Channel != "" && c.Channel != f.Channel,
		f.Kind != "" && c.Kind != f.Kind:
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range c.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query is one search request, always scoped to a tenant.
type Query struct {
	TenantID string
	Text     string
	Filter   Filter
	Limit    int
}

// Candidate is a ranked chunk id. Relevance is in [0,1], higher is better.
type Candidate struct {
	ChunkID   string  `json:"chunk_id"`
	Relevance float64 `json:"relevance"`
}

// Searcher ranks chunk candidates for a query.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Candidate, error)
}

// SortCandidates orders by relevance desc, then chunk id for determinism.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Relevance != cs[j].Relevance {
			return cs[i].Relevance > cs[j].Relevance
		}
		return cs[i].ChunkID < cs[j].ChunkID
	})
}
