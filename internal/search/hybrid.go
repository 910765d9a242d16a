package search

import (
	"context"
)

// Hybrid merges a text searcher with an optional vector searcher. A chunk
// found by both keeps its higher relevance.
type Hybrid struct {
	Text   Searcher
	Vector Searcher

	// OnVectorError is told about vector failures that were tolerated.
	// Context cancellation is never tolerated.
	OnVectorError func(error)
}

func (h *Hybrid) Search(ctx context.Context, q Query) ([]Candidate, error) {
	best := map[string]float64{}
	textHits, err := h.Text.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, c := range textHits {
		best[c.ChunkID] = c.Relevance
	}

	if h.Vector != nil {
		vecHits, err := h.Vector.Search(ctx, q)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			if h.OnVectorError != nil {
				h.OnVectorError(err)
			}
		default:
			for _, c := range vecHits {
				if c.Relevance > best[c.ChunkID] {
					best[c.ChunkID] = c.Relevance
				}
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for id, rel := range best {
		out = append(out, Candidate{ChunkID: id, Relevance: rel})
	}
	SortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
