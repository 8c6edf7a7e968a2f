package terminology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver maps a source code to a standard OMOP concept id. ok is false when
// the code has no mapping; conceptID is then Unresolved. An error means the
// lookup itself failed and is fatal to the calling stage.
type Resolver interface {
	Resolve(ctx context.Context, sourceCode string, domain Domain) (conceptID int64, ok bool, err error)
}

// StubResolver resolves nothing. It is the default until a vocabulary is
// loaded.
type StubResolver struct{}

func (StubResolver) Resolve(_ context.Context, _ string, _ Domain) (int64, bool, error) {
	return Unresolved, false, nil
}

type cacheKey struct {
	code   string
	domain Domain
}

type cacheEntry struct {
	id int64
	ok bool
}

// CachingResolver memoizes another resolver. Errors are not cached.
type CachingResolver struct {
	next Resolver

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

func NewCachingResolver(next Resolver) *CachingResolver {
	return &CachingResolver{next: next, entries: make(map[cacheKey]cacheEntry)}
}

func (r *CachingResolver) Resolve(ctx context.Context, code string, domain Domain) (int64, bool, error) {
	key := cacheKey{code: code, domain: domain}

	r.mu.RLock()
	e, hit := r.entries[key]
	r.mu.RUnlock()
	if hit {
		return e.id, e.ok, nil
	}

	id, ok, err := r.next.Resolve(ctx, code, domain)
	if err != nil {
		return Unresolved, false, err
	}

	r.mu.Lock()
	r.entries[key] = cacheEntry{id: id, ok: ok}
	r.mu.Unlock()
	return id, ok, nil
}

// Len returns the number of cached lookups.
func (r *CachingResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Options configures New.
type Options struct {
	Pool       *pgxpool.Pool
	Schema     string
	ServiceURL string
	Timeout    time.Duration
	Cache      bool
}

// New builds the resolver variant named by kind: "stub", "table" or
// "service".
func New(kind string, opts Options) (Resolver, error) {
	var r Resolver
	switch kind {
	case "", "stub":
		return StubResolver{}, nil
	case "table":
		if opts.Pool == nil {
			return nil, fmt.Errorf("table resolver requires a database pool")
		}
		r = NewTableResolver(opts.Pool, opts.Schema)
	case "service":
		if opts.ServiceURL == "" {
			return nil, fmt.Errorf("service resolver requires a base url")
		}
		r = NewServiceResolver(opts.ServiceURL, opts.Timeout)
	default:
		return nil, fmt.Errorf("unknown resolver kind %q", kind)
	}
	if opts.Cache {
		r = NewCachingResolver(r)
	}
	return r, nil
}
