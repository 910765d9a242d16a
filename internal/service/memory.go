package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/chunker"
	"github.com/rcliao/memgov/internal/compose"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/precedence"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/search"
	"github.com/rcliao/memgov/internal/store"
)

// EventInput is one event to record.
type EventInput struct {
	SessionID   string
	Actor       model.Actor
	Kind        string
	Channel     model.Channel
	Sensitivity string
	Text        string
	Tags        []string
	TS          time.Time

	Importance  *float64
	Scope       model.Scope
	SubjectType string
	SubjectID   string
	ProjectID   string
}

// RecordResult reports what RecordEvent stored.
type RecordResult struct {
	Event    *model.Event `json:"event"`
	ChunkIDs []string     `json:"chunk_ids"`
}

// RecordEvent appends an event and derives its chunks.
func (s *Service) RecordEvent(ctx context.Context, id model.Identity, in EventInput) (*RecordResult, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	errs := apperr.Fields{}
	if in.SessionID == "" {
		errs.Add("session_id", "must not be empty")
	}
	if !model.ValidActorTypes[in.Actor.Type] {
		errs.Add("actor.type", "unknown actor type %q", in.Actor.Type)
	}
	if in.Actor.ID == "" {
		errs.Add("actor.id", "must not be empty")
	}
	if strings.TrimSpace(in.Kind) == "" {
		errs.Add("kind", "must not be empty")
	}
	if !model.ValidChannels[in.Channel] {
		errs.Add("channel", "unknown channel %q", in.Channel)
	}
	if in.Sensitivity != "" && !model.ValidSensitivities[in.Sensitivity] {
		errs.Add("sensitivity", "unknown sensitivity %q", in.Sensitivity)
	}
	if strings.TrimSpace(in.Text) == "" {
		errs.Add("content.text", "must not be empty")
	}
	if in.Scope != "" && !in.Scope.Valid() {
		errs.Add("scope", "unknown scope %q", in.Scope)
	}
	if in.Importance != nil && (*in.Importance < 0 || *in.Importance > 1) {
		errs.Add("importance", "must be in [0,1], got %v", *in.Importance)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	ev, chunks, err := s.store.RecordEvent(ctx, store.RecordEventParams{
		TenantID:    id.TenantID,
		SessionID:   in.SessionID,
		Actor:       in.Actor,
		Kind:        strings.TrimSpace(in.Kind),
		Channel:     in.Channel,
		Sensitivity: in.Sensitivity,
		Text:        in.Text,
		Tags:        in.Tags,
		TS:          in.TS,
		Importance:  in.Importance,
		Scope:       in.Scope,
		SubjectType: in.SubjectType,
		SubjectID:   in.SubjectID,
		ProjectID:   in.ProjectID,
	})
	if err != nil {
		return nil, err
	}

	res := &RecordResult{Event: ev, ChunkIDs: make([]string, 0, len(chunks))}
	for _, c := range chunks {
		res.ChunkIDs = append(res.ChunkIDs, c.ID)
	}
	s.index(ctx, chunks)

	s.obs.Log().Info().
		Str("tenant", id.TenantID).
		Str("session", ev.SessionID).
		Str("event_id", ev.ID).
		Int("chunks", len(chunks)).
		Msg("event recorded")
	return res, nil
}

// index adds chunks to the vector index. The event is already committed, so
// a failure only degrades semantic search and is logged.
func (s *Service) index(ctx context.Context, chunks []model.Chunk) {
	if s.vectors == nil {
		return
	}
	for _, c := range chunks {
		if err := s.vectors.Index(ctx, c); err != nil {
			s.obs.Log().Warn().Str("chunk_id", c.ID).Err(err).Msg("vector index failed")
		}
	}
}

// DecisionInput is one decision to record.
type DecisionInput struct {
	Scope        model.Scope
	Decision     string
	Rationale    []string
	Constraints  []string
	Alternatives []string
	Consequences []string
	Refs         []string
	SubjectType  string
	SubjectID    string
	ProjectID    string
	TS           time.Time
}

// RecordDecision stores an active decision.
func (s *Service) RecordDecision(ctx context.Context, id model.Identity, in DecisionInput) (*model.Decision, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	errs := apperr.Fields{}
	if !in.Scope.Valid() {
		errs.Add("scope", "unknown scope %q", in.Scope)
	}
	if strings.TrimSpace(in.Decision) == "" {
		errs.Add("decision", "must not be empty")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	d, err := s.store.InsertDecision(ctx, model.Decision{
		TenantID:     id.TenantID,
		Scope:        in.Scope,
		Decision:     strings.TrimSpace(in.Decision),
		Rationale:    in.Rationale,
		Constraints:  in.Constraints,
		Alternatives: in.Alternatives,
		Consequences: in.Consequences,
		Refs:         in.Refs,
		SubjectType:  in.SubjectType,
		SubjectID:    in.SubjectID,
		ProjectID:    in.ProjectID,
		TS:           in.TS,
	})
	if err != nil {
		return nil, err
	}
	s.obs.Log().Info().Str("tenant", id.TenantID).Str("decision_id", d.ID).Str("scope", string(d.Scope)).Msg("decision recorded")
	return d, nil
}

// SupersedeDecision retires an active decision. It is the only status
// change a decision may make.
func (s *Service) SupersedeDecision(ctx context.Context, id model.Identity, decisionID string) error {
	if err := checkIdentity(id); err != nil {
		return err
	}
	if err := s.store.SupersedeDecision(ctx, id.TenantID, decisionID); err != nil {
		return err
	}
	s.obs.Log().Info().Str("tenant", id.TenantID).Str("decision_id", decisionID).Msg("decision superseded")
	return nil
}

// ListDecisions returns stored decisions of any status. Reviewers and
// admins see the records as written; other callers see effective text and
// never see retracted or quarantined decisions.
func (s *Service) ListDecisions(ctx context.Context, id model.Identity, f store.DecisionFilter) ([]model.Decision, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	decisions, err := s.store.ListDecisions(ctx, id.TenantID, f)
	if err != nil {
		return nil, err
	}
	if isAuditor(id) || len(decisions) == 0 {
		return decisions, nil
	}

	ids := make([]string, len(decisions))
	for i, d := range decisions {
		ids[i] = d.ID
	}
	edits, err := s.store.ApprovedEdits(ctx, id.TenantID, model.TargetDecision, ids)
	if err != nil {
		return nil, err
	}
	out := decisions[:0]
	for _, d := range decisions {
		v := s.resolver.Resolve(resolve.BaseFromDecision(d), edits[d.ID])
		if !v.Visible(resolve.ReadOptions{}) {
			continue
		}
		d.Decision = v.Text
		out = append(out, d)
	}
	return out, nil
}

// ResolvedChunk is a chunk with its effective state.
type ResolvedChunk struct {
	Chunk model.Chunk        `json:"chunk"`
	View  resolve.View       `json:"effective"`
	Edits []model.MemoryEdit `json:"edits,omitempty"`
}

// ResolvedDecision is a decision with its effective state.
type ResolvedDecision struct {
	Decision model.Decision     `json:"decision"`
	View     resolve.View       `json:"effective"`
	Edits    []model.MemoryEdit `json:"edits,omitempty"`
}

// ResolveChunk returns a chunk with its folded view. Reviewers and admins
// get the base record and its applied edits in fold order, retracted or
// not. Other callers get the effective text only, and a retracted chunk is
// not found.
func (s *Service) ResolveChunk(ctx context.Context, id model.Identity, chunkID string) (*ResolvedChunk, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	c, err := s.store.GetChunk(ctx, id.TenantID, chunkID)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ApprovedEdits(ctx, id.TenantID, model.TargetChunk, []string{chunkID})
	if err != nil {
		return nil, err
	}
	v := s.resolver.Resolve(resolve.BaseFromChunk(*c), edits[chunkID])
	if isAuditor(id) {
		return &ResolvedChunk{Chunk: *c, View: v, Edits: resolve.Order(edits[chunkID])}, nil
	}
	if v.Retracted {
		return nil, apperr.NotFound("chunk", chunkID)
	}
	if v.Text != c.Text {
		c.Text = v.Text
		c.TokenEst = chunker.EstimateTokens(v.Text)
	}
	c.Importance = v.Importance
	return &ResolvedChunk{Chunk: *c, View: v}, nil
}

// ResolveDecision is ResolveChunk for decisions.
func (s *Service) ResolveDecision(ctx context.Context, id model.Identity, decisionID string) (*ResolvedDecision, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	d, err := s.store.GetDecision(ctx, id.TenantID, decisionID)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ApprovedEdits(ctx, id.TenantID, model.TargetDecision, []string{decisionID})
	if err != nil {
		return nil, err
	}
	v := s.resolver.Resolve(resolve.BaseFromDecision(*d), edits[decisionID])
	if isAuditor(id) {
		return &ResolvedDecision{Decision: *d, View: v, Edits: resolve.Order(edits[decisionID])}, nil
	}
	if v.Retracted {
		return nil, apperr.NotFound("decision", decisionID)
	}
	d.Decision = v.Text
	return &ResolvedDecision{Decision: *d, View: v}, nil
}

// ReadOptions control visibility on the read paths.
type ReadOptions struct {
	// Channel is the channel the caller reads on; chunks blocked on it are
	// dropped. Empty means unscoped.
	Channel            model.Channel
	IncludeQuarantined bool
}

func (o ReadOptions) validate(errs apperr.Fields) {
	if o.Channel != "" && !model.ValidChannels[o.Channel] {
		errs.Add("channel", "unknown channel %q", o.Channel)
	}
}

// SearchRequest is a ranked chunk search.
type SearchRequest struct {
	Query  string
	Filter search.Filter
	Limit  int
	Read   ReadOptions
}

// SearchResult is one visible chunk in its effective state.
type SearchResult struct {
	ChunkID    string        `json:"chunk_id"`
	Text       string        `json:"text"`
	Importance float64       `json:"importance"`
	Relevance  float64       `json:"relevance"`
	Scope      model.Scope   `json:"scope"`
	Channel    model.Channel `json:"channel"`
	Kind       string        `json:"kind"`
	Tags       []string      `json:"tags,omitempty"`
	TS         time.Time     `json:"ts"`
}

// Search ranks the tenant's chunks for a query and returns only those
// visible after folding, with amended text and importance applied.
func (s *Service) Search(ctx context.Context, id model.Identity, r SearchRequest) ([]SearchResult, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	errs := apperr.Fields{}
	r.Read.validate(errs)
	if r.Limit < 0 {
		errs.Add("limit", "must not be negative")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if r.Limit == 0 {
		r.Limit = 20
	}

	ctx, span := s.obs.StartSpan(ctx, "service.search")
	defer span.End()

	cands, err := s.searcher.Search(ctx, search.Query{TenantID: id.TenantID, Text: r.Query, Filter: r.Filter, Limit: r.Limit})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	resolved, err := s.resolveChunks(ctx, id.TenantID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(cands))
	for _, cand := range cands {
		rc, ok := resolved[cand.ChunkID]
		if !ok || !r.Filter.Matches(rc.Chunk) || !rc.View.Visible(r.Read.resolveOptions()) {
			continue
		}
		out = append(out, SearchResult{
			ChunkID:    rc.Chunk.ID,
			Text:       rc.View.Text,
			Importance: rc.View.Importance,
			Relevance:  cand.Relevance,
			Scope:      rc.Chunk.Scope,
			Channel:    rc.Chunk.Channel,
			Kind:       rc.Chunk.Kind,
			Tags:       rc.Chunk.Tags,
			TS:         rc.Chunk.TS,
		})
	}
	return out, nil
}

func (o ReadOptions) resolveOptions() resolve.ReadOptions {
	return resolve.ReadOptions{Channel: o.Channel, IncludeQuarantined: o.IncludeQuarantined}
}

func (s *Service) resolveChunks(ctx context.Context, tenantID string, ids []string) (map[string]ResolvedChunk, error) {
	out := make(map[string]ResolvedChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	chunks, err := s.store.GetChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ApprovedEdits(ctx, tenantID, model.TargetChunk, ids)
	if err != nil {
		return nil, err
	}
	for id, c := range chunks {
		out[id] = ResolvedChunk{Chunk: c, View: s.resolver.Resolve(resolve.BaseFromChunk(c), edits[id])}
	}
	return out, nil
}

// TimelineRequest selects chunks newest first.
type TimelineRequest struct {
	Filter search.Filter
	Since  time.Time
	Until  time.Time
	Limit  int
	Read   ReadOptions
}

// Timeline returns the tenant's visible chunks newest first. Hidden chunks
// are dropped after the limit is applied, so a page may come back short.
func (s *Service) Timeline(ctx context.Context, id model.Identity, r TimelineRequest) ([]SearchResult, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	errs := apperr.Fields{}
	r.Read.validate(errs)
	if !r.Since.IsZero() && !r.Until.IsZero() && r.Until.Before(r.Since) {
		errs.Add("until", "must not be before since")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	chunks, err := s.store.Timeline(ctx, store.TimelineParams{
		TenantID: id.TenantID, Filter: r.Filter, Since: r.Since, Until: r.Until, Limit: r.Limit,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	edits, err := s.store.ApprovedEdits(ctx, id.TenantID, model.TargetChunk, ids)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(chunks))
	for _, c := range chunks {
		v := s.resolver.Resolve(resolve.BaseFromChunk(c), edits[c.ID])
		if !v.Visible(r.Read.resolveOptions()) {
			continue
		}
		out = append(out, SearchResult{
			ChunkID:    c.ID,
			Text:       v.Text,
			Importance: v.Importance,
			Relevance:  1,
			Scope:      c.Scope,
			Channel:    c.Channel,
			Kind:       c.Kind,
			Tags:       c.Tags,
			TS:         c.TS,
		})
	}
	return out, nil
}

// ActiveDecisions returns the governing decisions in precedence order with
// edits folded in.
func (s *Service) ActiveDecisions(ctx context.Context, id model.Identity, f precedence.Filter, channel model.Channel) ([]model.Decision, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	if f.Scope != "" && !f.Scope.Valid() {
		return nil, apperr.Validation("scope", fmt.Sprintf("unknown scope %q", f.Scope))
	}
	if channel != "" && !model.ValidChannels[channel] {
		return nil, apperr.Validation("channel", fmt.Sprintf("unknown channel %q", channel))
	}
	return s.composer.ActiveDecisions(ctx, id.TenantID, f, channel)
}

// BundleRequest asks for the context bundle of one agent turn.
type BundleRequest struct {
	SessionID   string
	Channel     model.Channel
	Intent      string
	QueryText   string
	MaxTokens   int
	ProjectID   string
	SubjectType string
	SubjectID   string
}

// BuildBundle assembles the token-bounded context for the calling agent.
func (s *Service) BuildBundle(ctx context.Context, id model.Identity, r BundleRequest) (*compose.Bundle, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	return s.composer.BuildBundle(ctx, compose.Request{
		TenantID:    id.TenantID,
		SessionID:   r.SessionID,
		AgentID:     id.AgentID,
		Channel:     r.Channel,
		Intent:      r.Intent,
		QueryText:   r.QueryText,
		MaxTokens:   r.MaxTokens,
		ProjectID:   r.ProjectID,
		SubjectType: r.SubjectType,
		SubjectID:   r.SubjectID,
	})
}
