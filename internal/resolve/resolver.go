package resolve

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/rcliao/memgov/internal/model"
)

// Resolver folds records under a fixed importance policy and caches views.
//
// The cache key includes the newest applied_at and the number of applied
// edits, so approving an edit changes the key and a stale view is never
// returned. Base records are immutable, so the target id identifies the base.
type Resolver struct {
	policy ImportancePolicy
	cache  *ristretto.Cache
}

// NewResolver returns a resolver. A cacheSize of 0 disables caching.
func NewResolver(policy ImportancePolicy, cacheSize int64) (*Resolver, error) {
	r := &Resolver{policy: policy}
	if cacheSize <= 0 {
		return r, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create view cache: %w", err)
	}
	r.cache = c
	return r, nil
}

// Policy returns the importance policy in effect.
func (r *Resolver) Policy() ImportancePolicy { return r.policy }

// Resolve folds edits onto base, consulting the cache first.
func (r *Resolver) Resolve(base Base, edits []model.MemoryEdit) View {
	if r.cache == nil {
		return Fold(base, edits, r.policy)
	}
	key := cacheKey(base, edits)
	if cached, ok := r.cache.Get(key); ok {
		if v, ok := cached.(View); ok {
			return v
		}
	}
	v := Fold(base, edits, r.policy)
	r.cache.Set(key, v, 1)
	return v
}

// Close releases cache resources.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func cacheKey(base Base, edits []model.MemoryEdit) string {
	var maxApplied int64
	count := 0
	for _, e := range edits {
		if !e.Applied() || e.TargetID != base.TargetID {
			continue
		}
		count++
		if n := e.AppliedAt.UnixNano(); n > maxApplied {
			maxApplied = n
		}
	}
	return fmt.Sprintf("%s/%s/%d/%d", base.TargetType, base.TargetID, maxApplied, count)
}
