// Package compose builds the active context bundle for one agent turn:
// governing decisions, ranked corrected chunks, and capsule references,
// packed under a hard token budget.
package compose

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/capsule"
	"github.com/rcliao/memgov/internal/chunker"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
	"github.com/rcliao/memgov/internal/precedence"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/search"
	"github.com/rcliao/memgov/internal/store"
)

// Default limits.
const (
	DefaultMinTokens      = 1000
	DefaultMaxTokens      = 200000
	DefaultHalfLifeDays   = 30.0
	DefaultCandidateLimit = 200
)

// Source reads the records a bundle is built from.
type Source interface {
	GetChunks(ctx context.Context, tenantID string, ids []string) (map[string]model.Chunk, error)
	ListDecisions(ctx context.Context, tenantID string, f store.DecisionFilter) ([]model.Decision, error)
	ApprovedEdits(ctx context.Context, tenantID string, targetType model.TargetType, ids []string) (map[string][]model.MemoryEdit, error)
}

// CapsuleLister lists the capsules visible to an agent.
type CapsuleLister interface {
	ListAvailable(ctx context.Context, id model.Identity, f capsule.ListFilter) ([]model.Capsule, error)
}

// Options configures a Composer. Zero values take the defaults.
type Options struct {
	MinTokens      int
	MaxTokens      int
	HalfLifeDays   float64
	CandidateLimit int
	Budget         BudgetPolicy
}

func (o Options) withDefaults() Options {
	if o.MinTokens <= 0 {
		o.MinTokens = DefaultMinTokens
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = DefaultHalfLifeDays
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = DefaultCandidateLimit
	}
	if o.Budget == nil {
		o.Budget = DefaultBudget
	}
	return o
}

// Request is one bundle build.
type Request struct {
	TenantID  string
	SessionID string
	AgentID   string
	Channel   model.Channel
	Intent    string
	QueryText string // falls back to Intent when empty
	MaxTokens int

	ProjectID   string
	SubjectType string
	SubjectID   string
}

// Decision is a decision as it appears in a bundle, with amended text applied.
type Decision struct {
	DecisionID  string      `json:"decision_id"`
	Scope       model.Scope `json:"scope"`
	Decision    string      `json:"decision"`
	Rationale   []string    `json:"rationale,omitempty"`
	Constraints []string    `json:"constraints,omitempty"`
	TS          time.Time   `json:"ts"`
	Tokens      int         `json:"tokens"`
}

// Chunk is a chunk as it appears in a bundle, in its effective state.
type Chunk struct {
	ChunkID    string      `json:"chunk_id"`
	Text       string      `json:"text"`
	Importance float64     `json:"importance"`
	Relevance  float64     `json:"relevance"`
	Score      float64     `json:"score"`
	Scope      model.Scope `json:"scope"`
	Kind       string      `json:"kind"`
	TS         time.Time   `json:"ts"`
	Tokens     int         `json:"tokens"`
}

// Section summarizes one part of a bundle.
type Section struct {
	Name   string `json:"name"`
	Items  int    `json:"items"`
	Tokens int    `json:"tokens"`
}

// Bundle is the token-bounded context for one agent turn.
type Bundle struct {
	Decisions       []Decision `json:"decisions"`
	Chunks          []Chunk    `json:"chunks"`
	CapsuleRefs     []string   `json:"capsule_refs"`
	EstimatedTokens int        `json:"estimated_tokens"`
	BudgetTokens    int        `json:"budget_tokens"`
	Truncated       bool       `json:"truncated"`
	Sections        []Section  `json:"sections"`
}

// Composer builds bundles. It holds no per-call state and is safe for
// concurrent use.
type Composer struct {
	src      Source
	searcher search.Searcher
	capsules CapsuleLister
	resolver *resolve.Resolver
	opts     Options
	obs      *observe.Observer
}

// New returns a composer. A nil resolver folds without caching and a nil
// observer discards logs.
func New(src Source, searcher search.Searcher, capsules CapsuleLister, resolver *resolve.Resolver, opts Options, obs *observe.Observer) *Composer {
	if obs == nil {
		obs = observe.Nop()
	}
	if resolver == nil {
		resolver, _ = resolve.NewResolver(resolve.ClampFinal, 0)
	}
	return &Composer{
		src:      src,
		searcher: searcher,
		capsules: capsules,
		resolver: resolver,
		opts:     opts.withDefaults(),
		obs:      obs,
	}
}

// Validate checks a request before anything is queried.
func (c *Composer) Validate(r Request) error {
	errs := apperr.Fields{}
	if r.TenantID == "" {
		errs.Add("tenant_id", "must not be empty")
	}
	if r.AgentID == "" {
		errs.Add("agent_id", "must not be empty")
	}
	if !model.ValidChannels[r.Channel] {
		errs.Add("channel", "unknown channel %q", r.Channel)
	}
	if r.MaxTokens < c.opts.MinTokens || r.MaxTokens > c.opts.MaxTokens {
		errs.Add("max_tokens", "must be in [%d,%d], got %d", c.opts.MinTokens, c.opts.MaxTokens, r.MaxTokens)
	}
	return errs.Err()
}

type rankedChunk struct {
	chunk     model.Chunk
	view      resolve.View
	relevance float64
	score     float64
	tokens    int
}

// BuildBundle assembles the bundle for r. It is read-only and, for an
// unchanged store and ledger, returns the same bundle for the same request.
func (c *Composer) BuildBundle(ctx context.Context, r Request) (*Bundle, error) {
	if err := c.Validate(r); err != nil {
		return nil, err
	}

	ctx, span := c.obs.StartSpan(ctx, "bundle.build")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", r.TenantID),
		attribute.String("session", r.SessionID),
		attribute.String("channel", string(r.Channel)),
		attribute.Int("max_tokens", r.MaxTokens),
	)

	var (
		decisions []model.Decision
		chunks    []rankedChunk
		capsules  []model.Capsule
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		decisions, err = c.ActiveDecisions(gctx, r.TenantID, precedence.Filter{
			ProjectID: r.ProjectID, SubjectType: r.SubjectType, SubjectID: r.SubjectID,
		}, r.Channel)
		return err
	})
	g.Go(func() error {
		var err error
		chunks, err = c.chunkCandidates(gctx, r)
		return err
	})
	g.Go(func() error {
		if c.capsules == nil {
			return nil
		}
		var err error
		capsules, err = c.capsules.ListAvailable(gctx,
			model.Identity{TenantID: r.TenantID, AgentID: r.AgentID},
			capsule.ListFilter{ProjectID: r.ProjectID, SubjectType: r.SubjectType, SubjectID: r.SubjectID})
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, apperr.Timeout("build bundle", err)
		}
		return nil, fmt.Errorf("build bundle: %w", err)
	}

	c.rank(chunks)
	b := c.pack(r.MaxTokens, decisions, chunks, capsules)

	c.obs.Log().Info().
		Str("tenant", r.TenantID).
		Str("session", r.SessionID).
		Str("agent", r.AgentID).
		Int("decisions", len(b.Decisions)).
		Int("chunks", len(b.Chunks)).
		Int("capsules", len(b.CapsuleRefs)).
		Int("tokens", b.EstimatedTokens).
		Int("budget", b.BudgetTokens).
		Str("truncated", strconv.FormatBool(b.Truncated)).
		Msg("bundle built")
	return b, nil
}

// ActiveDecisions returns the tenant's active decisions in precedence order,
// in their effective state. Retracted and quarantined decisions, and those
// blocked on channel, are dropped; amended text replaces the decision text.
func (c *Composer) ActiveDecisions(ctx context.Context, tenantID string, f precedence.Filter, channel model.Channel) ([]model.Decision, error) {
	all, err := c.src.ListDecisions(ctx, tenantID, store.DecisionFilter{Status: model.DecisionActive})
	if err != nil {
		return nil, err
	}
	candidates := precedence.Active(all, f)
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	edits, err := c.src.ApprovedEdits(ctx, tenantID, model.TargetDecision, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.Decision, 0, len(candidates))
	for _, d := range candidates {
		v := c.resolver.Resolve(resolve.BaseFromDecision(d), edits[d.ID])
		if !v.Visible(resolve.ReadOptions{Channel: channel}) {
			continue
		}
		d.Decision = v.Text
		out = append(out, d)
	}
	return out, nil
}

func (c *Composer) chunkCandidates(ctx context.Context, r Request) ([]rankedChunk, error) {
	if c.searcher == nil {
		return nil, nil
	}
	text := r.QueryText
	if strings.TrimSpace(text) == "" {
		text = r.Intent
	}
	cands, err := c.searcher.Search(ctx, search.Query{
		TenantID: r.TenantID,
		Text:     text,
		Filter:   search.Filter{ProjectID: r.ProjectID, SubjectType: r.SubjectType, SubjectID: r.SubjectID},
		Limit:    c.opts.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	ids := make([]string, len(cands))
	for i, cand := range cands {
		ids[i] = cand.ChunkID
	}
	records, err := c.src.GetChunks(ctx, r.TenantID, ids)
	if err != nil {
		return nil, err
	}
	edits, err := c.src.ApprovedEdits(ctx, r.TenantID, model.TargetChunk, ids)
	if err != nil {
		return nil, err
	}

	read := resolve.ReadOptions{Channel: r.Channel}
	var out []rankedChunk
	seen := make(map[string]bool, len(cands))
	for _, cand := range cands {
		ch, ok := records[cand.ChunkID]
		if !ok || seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		v := c.resolver.Resolve(resolve.BaseFromChunk(ch), edits[ch.ID])
		if !v.Visible(read) {
			continue
		}
		tokens := ch.TokenEst
		if v.Text != ch.Text || tokens <= 0 {
			tokens = chunker.EstimateTokens(v.Text)
		}
		out = append(out, rankedChunk{chunk: ch, view: v, relevance: cand.Relevance, tokens: tokens})
	}
	return out, nil
}

// rank scores chunks by relevance x importance x recency and sorts them.
// Age is measured from the newest candidate, so the order depends only on
// stored data and never on the wall clock.
func (c *Composer) rank(chunks []rankedChunk) {
	var newest time.Time
	for _, rc := range chunks {
		if rc.chunk.TS.After(newest) {
			newest = rc.chunk.TS
		}
	}
	for i := range chunks {
		ageDays := newest.Sub(chunks[i].chunk.TS).Hours() / 24
		recency := math.Pow(0.5, ageDays/c.opts.HalfLifeDays)
		chunks[i].score = chunks[i].relevance * chunks[i].view.Importance * recency
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.chunk.TS.Equal(b.chunk.TS) {
			return a.chunk.TS.After(b.chunk.TS)
		}
		return a.chunk.ID < b.chunk.ID
	})
}

func decisionTokens(d model.Decision) int {
	parts := append([]string{d.Decision}, d.Rationale...)
	parts = append(parts, d.Constraints...)
	return chunker.EstimateTokens(strings.Join(parts, "\n"))
}

// pack fills the budget: decisions first up to the policy's reserve, then
// ranked chunks with whatever is left. Each phase stops at the first item
// that does not fit.
func (c *Composer) pack(maxTokens int, decisions []model.Decision, chunks []rankedChunk, capsules []model.Capsule) *Bundle {
	b := &Bundle{
		Decisions:    []Decision{},
		Chunks:       []Chunk{},
		CapsuleRefs:  []string{},
		BudgetTokens: maxTokens,
	}

	reserve := c.opts.Budget.DecisionReserve(maxTokens)
	if reserve > maxTokens {
		reserve = maxTokens
	}
	decisionUsed := 0
	for _, d := range decisions {
		cost := decisionTokens(d)
		if decisionUsed+cost > reserve {
			b.Truncated = true
			break
		}
		decisionUsed += cost
		b.Decisions = append(b.Decisions, Decision{
			DecisionID:  d.ID,
			Scope:       d.Scope,
			Decision:    d.Decision,
			Rationale:   d.Rationale,
			Constraints: d.Constraints,
			TS:          d.TS,
			Tokens:      cost,
		})
	}

	remaining := maxTokens - decisionUsed
	chunkUsed := 0
	for _, rc := range chunks {
		if chunkUsed+rc.tokens > remaining {
			b.Truncated = true
			break
		}
		chunkUsed += rc.tokens
		b.Chunks = append(b.Chunks, Chunk{
			ChunkID:    rc.chunk.ID,
			Text:       rc.view.Text,
			Importance: rc.view.Importance,
			Relevance:  rc.relevance,
			Score:      rc.score,
			Scope:      rc.chunk.Scope,
			Kind:       rc.chunk.Kind,
			TS:         rc.chunk.TS,
			Tokens:     rc.tokens,
		})
	}

	for _, cp := range capsules {
		b.CapsuleRefs = append(b.CapsuleRefs, cp.ID)
	}

	b.EstimatedTokens = decisionUsed + chunkUsed
	b.Sections = []Section{
		{Name: "decisions", Items: len(b.Decisions), Tokens: decisionUsed},
		{Name: "chunks", Items: len(b.Chunks), Tokens: chunkUsed},
		{Name: "capsules", Items: len(b.CapsuleRefs), Tokens: 0},
	}
	return b
}
