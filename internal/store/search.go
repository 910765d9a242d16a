package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/rcliao/memgov/internal/search"
)

// Search performs FTS5 full-text search over the tenant's chunks. Relevance
// is the bm25 score scaled so the best hit is 1. An empty query returns the
// newest matching chunks, all with relevance 1.
func (s *SQLiteStore) Search(ctx context.Context, q search.Query) ([]search.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	match := ftsQuery(q.Text)
	if match == "" {
		chunks, err := s.Timeline(ctx, TimelineParams{TenantID: q.TenantID, Filter: q.Filter, Limit: limit})
		if err != nil {
			return nil, err
		}
		out := make([]search.Candidate, len(chunks))
		for i, c := range chunks {
			out[i] = search.Candidate{ChunkID: c.ID, Relevance: 1}
		}
		return out, nil
	}

	where, args := chunkWhere(q.TenantID, TimelineParams{Filter: q.Filter})
	where = append([]string{"chunks_fts MATCH ?"}, where...)
	args = append([]interface{}{match}, args...)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT c.chunk_id, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE %s
		ORDER BY rank, c.chunk_id
		LIMIT ?`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []search.Candidate
	var best float64
	for rows.Next() {
		var c search.Candidate
		var rank float64
		if err := rows.Scan(&c.ChunkID, &rank); err != nil {
			return nil, err
		}
		// bm25 is negative; more negative is better.
		c.Relevance = -rank
		if c.Relevance > best {
			best = c.Relevance
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if best <= 0 {
			out[i].Relevance = 1
			continue
		}
		out[i].Relevance /= best
		if out[i].Relevance <= 0 {
			out[i].Relevance = 0.01
		}
	}
	search.SortCandidates(out)
	return out, nil
}

// ftsQuery turns free text into an FTS5 query of quoted terms joined by OR,
// so punctuation in user input is never parsed as query syntax.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(norm.NFC.String(strings.ToLower(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
