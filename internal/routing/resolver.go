// Package routing decides which database connection serves an entity.
//
// Rules come from the Models lists of the additional databases in
// config.Settings. Resolution order:
//
//  1. no additional databases configured: default
//  2. a block listing "app.Entity" exactly: that block
//  3. a single block listing bare "app": that block; two or more blocks
//     listing the same bare label fail with *AmbiguousRoutingError
//  4. otherwise: default
//
// An exact match wins even when the bare label is also claimed by several
// blocks; CheckAmbiguity reports those configurations up front.
//
// Resolved handles are cached per (request scope, binding). The first
// resolve of a binding subscribes it to RequestFinished, and each
// finished request drops the scope's entry for that binding.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/request"
	"github.com/roach88/strata/internal/store"
)

var (
	// cacheHits counts resolves served from the scope cache
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_routing_cache_hits_total",
		Help: "Total connection resolves served from the request cache",
	})

	// cacheMisses counts resolves that consulted the rules
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_routing_cache_misses_total",
		Help: "Total connection resolves that consulted routing rules",
	})

	// resolutions counts rule evaluations by resulting connection
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_routing_resolutions_total",
		Help: "Total routing rule evaluations by resulting connection",
	}, []string{"connection"})
)

// Binding identifies the entity whose connection is resolved. Bindings are
// used as map keys and must be comparable; pointer types are typical.
type Binding interface {
	AppLabel() string
	EntityName() string
}

// AmbiguousRoutingError reports a bare app label claimed by more than one
// rule block.
type AmbiguousRoutingError struct {
	AppLabel string
	First    string
	Second   string
}

func (e *AmbiguousRoutingError) Error() string {
	return fmt.Sprintf("app label %q is routed by both %q and %q", e.AppLabel, e.First, e.Second)
}

// Resolver maps bindings to connection handles.
//
// Thread-safety: safe for concurrent use. The cache is one map guarded by
// a mutex; entries are partitioned by request scope ID so invalidation in
// one scope never touches another.
type Resolver struct {
	conns   *store.Connections
	signals *dispatch.Signals

	routed bool
	exact  map[string]string   // "app.Entity" -> block
	bare   map[string][]string // "app" -> blocks, sorted

	mu         sync.Mutex
	cache      map[string]map[Binding]*store.Handle
	subscribed map[Binding]func()
}

// NewResolver builds a resolver over the rule blocks in settings. Handles
// come from conns; invalidation listens on signals.RequestFinished.
func NewResolver(settings *config.Settings, conns *store.Connections, signals *dispatch.Signals) *Resolver {
	r := &Resolver{
		conns:      conns,
		signals:    signals,
		routed:     settings.HasRouting(),
		exact:      make(map[string]string),
		bare:       make(map[string][]string),
		cache:      make(map[string]map[Binding]*store.Handle),
		subscribed: make(map[Binding]func()),
	}

	for _, name := range settings.OtherNames() {
		for _, entry := range settings.Other[name].Models {
			entry = config.NormalizeLabel(entry)
			if isExact(entry) {
				if _, taken := r.exact[entry]; !taken {
					r.exact[entry] = name
				}
				continue
			}
			if blocks := r.bare[entry]; len(blocks) == 0 || blocks[len(blocks)-1] != name {
				r.bare[entry] = append(blocks, name)
			}
		}
	}
	return r
}

func isExact(entry string) bool {
	return strings.Contains(entry, ".")
}

// Route returns the connection name for an entity without touching the
// cache.
func (r *Resolver) Route(appLabel, entityName string) (string, error) {
	if !r.routed {
		return config.DefaultName, nil
	}

	appLabel = config.NormalizeLabel(appLabel)
	entityName = config.NormalizeLabel(entityName)

	if name, ok := r.exact[appLabel+"."+entityName]; ok {
		return name, nil
	}

	switch blocks := r.bare[appLabel]; len(blocks) {
	case 0:
		return config.DefaultName, nil
	case 1:
		return blocks[0], nil
	default:
		return "", &AmbiguousRoutingError{AppLabel: appLabel, First: blocks[0], Second: blocks[1]}
	}
}

// CheckAmbiguity reports every bare app label claimed by more than one rule
// block, sorted by label. Resolving any entity of such a label without an
// exact rule fails.
func (r *Resolver) CheckAmbiguity() []*AmbiguousRoutingError {
	labels := make([]string, 0, len(r.bare))
	for label, blocks := range r.bare {
		if len(blocks) > 1 {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)

	out := make([]*AmbiguousRoutingError, 0, len(labels))
	for _, label := range labels {
		blocks := r.bare[label]
		out = append(out, &AmbiguousRoutingError{AppLabel: label, First: blocks[0], Second: blocks[1]})
	}
	return out
}

// Resolve returns the handle for b in the request scope of ctx, from cache
// when present.
func (r *Resolver) Resolve(ctx context.Context, b Binding) (*store.Handle, error) {
	scope := request.ScopeID(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h := r.cache[scope][b]; h != nil {
		cacheHits.Inc()
		return h, nil
	}
	cacheMisses.Inc()

	name, err := r.Route(b.AppLabel(), b.EntityName())
	if err != nil {
		return nil, err
	}
	h, err := r.conns.Get(name)
	if err != nil {
		return nil, fmt.Errorf("route %s.%s: %w", b.AppLabel(), b.EntityName(), err)
	}
	resolutions.WithLabelValues(name).Inc()
	slog.Debug("resolved connection", "app", b.AppLabel(), "entity", b.EntityName(), "connection", name, "scope", scope)

	entries := r.cache[scope]
	if entries == nil {
		entries = make(map[Binding]*store.Handle)
		r.cache[scope] = entries
	}
	entries[b] = h
	r.subscribe(b)
	return h, nil
}

// subscribe connects b's invalidation receiver once. Caller holds r.mu.
func (r *Resolver) subscribe(b Binding) {
	if _, ok := r.subscribed[b]; ok || r.signals == nil {
		return
	}
	name := fmt.Sprintf("routing.invalidate(%s.%s)", b.AppLabel(), b.EntityName())
	r.subscribed[b] = r.signals.RequestFinished.Connect(name, func(ctx context.Context, sender any) error {
		scope := request.ScopeID(ctx)
		if s, ok := sender.(*request.Scope); ok {
			scope = s.ID
		}
		r.invalidate(scope, b)
		return nil
	})
}

// Invalidate drops the cached handle for b in the request scope of ctx.
// Other scopes are untouched.
func (r *Resolver) Invalidate(ctx context.Context, b Binding) {
	r.invalidate(request.ScopeID(ctx), b)
}

func (r *Resolver) invalidate(scope string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.cache[scope]
	if !ok {
		return
	}
	delete(entries, b)
	if len(entries) == 0 {
		delete(r.cache, scope)
	}
}

// Cached returns the cached handle for b in the scope of ctx, if any.
func (r *Resolver) Cached(ctx context.Context, b Binding) (*store.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.cache[request.ScopeID(ctx)][b]
	return h, ok
}

// Scopes returns the number of request scopes holding cache entries.
func (r *Resolver) Scopes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Close disconnects every invalidation receiver and clears the cache.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for b, disconnect := range r.subscribed {
		disconnect()
		delete(r.subscribed, b)
	}
	r.cache = make(map[string]map[Binding]*store.Handle)
}
