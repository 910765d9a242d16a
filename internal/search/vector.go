package search

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/memgov/internal/embedding"
	"github.com/rcliao/memgov/internal/model"
)

// VectorIndex ranks chunks by embedding similarity. Each tenant gets its own
// chromem collection, so a query can never see another tenant's chunks.
type VectorIndex struct {
	db       *chromem.DB
	embedder embedding.Embedder
}

// NewVectorIndex opens a vector index. An empty path keeps the index in
// memory; otherwise it is persisted under path.
func NewVectorIndex(path string, e embedding.Embedder) (*VectorIndex, error) {
	if e == nil {
		return nil, fmt.Errorf("vector index requires an embedder")
	}
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}
	return &VectorIndex{db: db, embedder: e}, nil
}

func (v *VectorIndex) collection(tenantID string) (*chromem.Collection, error) {
	col, err := v.db.GetOrCreateCollection("tenant_"+tenantID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("collection for tenant %s: %w", tenantID, err)
	}
	return col, nil
}

func chunkMetadata(c model.Chunk) map[string]string {
	return map[string]string{
		"session_id":   c.SessionID,
		"subject_type": c.SubjectType,
		"subject_id":   c.SubjectID,
		"project_id":   c.ProjectID,
		"scope":        string(c.Scope),
		"channel":      string(c.Channel),
		"kind":         c.Kind,
	}
}

func filterWhere(f Filter) map[string]string {
	where := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			where[k] = v
		}
	}
	set("session_id", f.SessionID)
	set("subject_type", f.SubjectType)
	set("subject_id", f.SubjectID)
	set("project_id", f.ProjectID)
	set("scope", string(f.Scope))
	set("channel", string(f.Channel))
	set("kind", f.Kind)
	if len(where) == 0 {
		return nil
	}
	return where
}

// Index embeds and stores a chunk. Re-indexing the same chunk id replaces it.
func (v *VectorIndex) Index(ctx context.Context, c model.Chunk) error {
	col, err := v.collection(c.TenantID)
	if err != nil {
		return err
	}
	vec, err := v.embedder.Embed(ctx, c.Text)
	if err != nil {
		return fmt.Errorf("embed chunk %s: %w", c.ID, err)
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        c.ID,
		Content:   c.Text,
		Embedding: vec,
		Metadata:  chunkMetadata(c),
	})
}

// Search returns chunks ranked by cosine similarity to the query text.
// Tag filters are not applied here; callers re-check Filter.Matches.
func (v *VectorIndex) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if q.Text == "" {
		return nil, nil
	}
	col, err := v.collection(q.TenantID)
	if err != nil {
		return nil, err
	}
	n := q.Limit
	if n <= 0 {
		n = 20
	}
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	vec, err := v.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, vec, n, filterWhere(q.Filter), nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		rel := float64(r.Similarity)
		if rel <= 0 {
			continue
		}
		if rel > 1 {
			rel = 1
		}
		out = append(out, Candidate{ChunkID: r.ID, Relevance: rel})
	}
	SortCandidates(out)
	return out, nil
}
