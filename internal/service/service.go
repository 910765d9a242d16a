// Package service is the operation surface of memgov. Every operation takes
// an already verified identity and is scoped to that identity's tenant.
package service

import (
	"fmt"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/capsule"
	"github.com/rcliao/memgov/internal/clock"
	"github.com/rcliao/memgov/internal/compose"
	"github.com/rcliao/memgov/internal/config"
	"github.com/rcliao/memgov/internal/embedding"
	"github.com/rcliao/memgov/internal/ledger"
	"github.com/rcliao/memgov/internal/maintenance"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/search"
	"github.com/rcliao/memgov/internal/store"
	"github.com/rcliao/memgov/internal/tasks"
)

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Clock    clock.Clock
	Observer *observe.Observer

	// Embedder replaces the configured embedding provider.
	Embedder embedding.Embedder

	// VectorPath replaces the configured vector index location. Empty with
	// an embedder set keeps the index in memory.
	VectorPath string
}

// Service wires the store, ledger, resolver, composer, capsules, tasks, and
// maintenance together.
type Service struct {
	store    *store.SQLiteStore
	resolver *resolve.Resolver
	ledger   *ledger.Ledger
	capsules *capsule.Manager
	composer *compose.Composer
	tasks    *tasks.Graph
	maint    *maintenance.Runner
	searcher search.Searcher
	vectors  *search.VectorIndex
	clock    clock.Clock
	obs      *observe.Observer
}

// Open opens the database named by cfg and wires a service around it.
func Open(cfg *config.Config, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	st, err := store.NewSQLiteStore(cfg.DB, store.WithClock(opts.Clock))
	if err != nil {
		return nil, err
	}
	if opts.VectorPath == "" && opts.Embedder == nil {
		opts.VectorPath = cfg.VectorPath()
	}
	svc, err := New(st, cfg, opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	return svc, nil
}

// New wires a service around an open store. The service owns st.
func New(st *store.SQLiteStore, cfg *config.Config, opts Options) (*Service, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop()
	}

	res, err := resolve.NewResolver(cfg.ImportancePolicy(), cfg.Resolve.CacheSize)
	if err != nil {
		return nil, err
	}

	emb := opts.Embedder
	if emb == nil {
		emb, err = embedding.New(cfg.EmbeddingOptions())
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
	}

	s := &Service{store: st, resolver: res, clock: clk, obs: obs}

	hybrid := &search.Hybrid{
		Text: st,
		OnVectorError: func(err error) {
			obs.Log().Warn().Err(err).Msg("vector search failed, using text results")
		},
	}
	if emb != nil {
		s.vectors, err = search.NewVectorIndex(opts.VectorPath, emb)
		if err != nil {
			return nil, err
		}
		hybrid.Vector = s.vectors
	}
	s.searcher = hybrid

	s.ledger = ledger.New(st, clk, obs)
	s.capsules = capsule.NewManager(st, res, clk, obs)
	s.composer = compose.New(st, s.searcher, s.capsules, res, cfg.ComposeOptions(), obs)
	s.tasks = tasks.NewGraph(st, cfg.Tasks.MaxDepth)
	s.maint = maintenance.New(st, clk, obs, cfg.MaintenanceOptions())
	return s, nil
}

// Close releases the store and caches.
func (s *Service) Close() error {
	s.resolver.Close()
	return s.store.Close()
}

// Maintenance returns the background job runner.
func (s *Service) Maintenance() *maintenance.Runner { return s.maint }

func checkIdentity(id model.Identity) error {
	errs := apperr.Fields{}
	if id.TenantID == "" {
		errs.Add("tenant_id", "must not be empty")
	}
	if id.AgentID == "" {
		errs.Add("agent_id", "must not be empty")
	}
	return errs.Err()
}
