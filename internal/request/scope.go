// Package request models the unit-of-work lifecycle that bounds cached
// connection handles.
//
// A Scope is attached to a context by Lifecycle.Begin and ended by
// Lifecycle.Finish, which fires the RequestFinished signal. Anything keyed
// per request (the resolver's connection cache) keys on the scope ID
// instead of on goroutine identity, so a request that fans out to several
// goroutines still sees one cache entry.
package request

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/strata/internal/dispatch"
)

// BackgroundID is the scope ID used for contexts without a request scope.
// Work done outside any request shares this scope and is only invalidated
// explicitly.
const BackgroundID = "background"

// Scope identifies one request.
type Scope struct {
	ID      string
	Started time.Time
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// ScopeID returns the ID of the scope attached to ctx, or BackgroundID.
func ScopeID(ctx context.Context) string {
	if s, ok := FromContext(ctx); ok {
		return s.ID
	}
	return BackgroundID
}

// Generator produces scope IDs.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 scope IDs.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 string. Panics if generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs in order, for tests.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator returning ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next ID. Panics when exhausted.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic(fmt.Sprintf("FixedGenerator: all %d ids exhausted", len(g.ids)))
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Lifecycle starts and finishes request scopes and fires the matching
// signals.
type Lifecycle struct {
	signals *dispatch.Signals
	ids     Generator
	now     func() time.Time
}

// NewLifecycle creates a lifecycle bound to signals. A nil generator
// selects UUIDv7Generator.
func NewLifecycle(signals *dispatch.Signals, ids Generator) *Lifecycle {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	return &Lifecycle{signals: signals, ids: ids, now: time.Now}
}

// Begin attaches a new scope to ctx and sends RequestStarted.
func (l *Lifecycle) Begin(ctx context.Context) (context.Context, *Scope, error) {
	s := &Scope{ID: l.ids.Generate(), Started: l.now()}
	ctx = WithScope(ctx, s)
	slog.Debug("request started", "scope", s.ID)
	if err := l.signals.RequestStarted.Send(ctx, s); err != nil {
		return ctx, s, fmt.Errorf("request started: %w", err)
	}
	return ctx, s, nil
}

// Finish sends RequestFinished for the scope attached to ctx. Calling it
// on a context without a scope finishes the background scope.
func (l *Lifecycle) Finish(ctx context.Context) error {
	s, ok := FromContext(ctx)
	if !ok {
		s = &Scope{ID: BackgroundID}
		ctx = WithScope(ctx, s)
	}
	slog.Debug("request finished", "scope", s.ID, "elapsed", l.now().Sub(s.Started))
	if err := l.signals.RequestFinished.Send(ctx, s); err != nil {
		return fmt.Errorf("request finished: %w", err)
	}
	return nil
}

// Middleware wraps an HTTP handler so every request runs inside its own
// scope. Signal errors are logged; they never fail the response.
func (l *Lifecycle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _, err := l.Begin(r.Context())
		if err != nil {
			slog.Error("request start signal failed", "error", err)
		}
		defer func() {
			if err := l.Finish(ctx); err != nil {
				slog.Error("request finish signal failed", "error", err)
			}
		}()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
