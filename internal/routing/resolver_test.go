package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/request"
	"github.com/roach88/strata/internal/store"
)

type entity struct {
	app, name string
}

func (e *entity) AppLabel() string   { return e.app }
func (e *entity) EntityName() string { return e.name }

func settings(blocks map[string][]string) *config.Settings {
	s := config.Defaults()
	if len(blocks) > 0 {
		s.Other = make(map[string]config.DatabaseDef, len(blocks))
		for name, models := range blocks {
			s.Other[name] = config.DatabaseDef{Engine: config.EngineSQLite, Name: ":memory:", Models: models}
		}
	}
	return s
}

func newResolver(t *testing.T, blocks map[string][]string) (*Resolver, *store.Connections, *dispatch.Signals) {
	t.Helper()
	s := settings(blocks)
	conns := store.NewConnections(s)
	sig := dispatch.NewSignals()
	r := NewResolver(s, conns, sig)
	t.Cleanup(func() {
		r.Close()
		_ = conns.Close()
	})
	return r, conns, sig
}

func TestResolve_ExactBareAndDefault(t *testing.T) {
	r, conns, _ := newResolver(t, map[string][]string{
		"db1": {"app.Entity"},
		"db2": {"app"},
	})
	ctx := context.Background()

	h, err := r.Resolve(ctx, &entity{"app", "Entity"})
	require.NoError(t, err)
	assert.Same(t, conns.MustGet("db1"), h)

	h, err = r.Resolve(ctx, &entity{"app", "OtherEntity"})
	require.NoError(t, err)
	assert.Same(t, conns.MustGet("db2"), h)

	h, err = r.Resolve(ctx, &entity{"other", "Thing"})
	require.NoError(t, err)
	assert.Same(t, conns.Default(), h)
}

func TestResolve_NoRoutingUsesDefault(t *testing.T) {
	r, conns, _ := newResolver(t, nil)

	h, err := r.Resolve(context.Background(), &entity{"app", "Entity"})
	require.NoError(t, err)
	assert.Same(t, conns.Default(), h)
}

func TestResolve_BlockWithoutModelsNeverMatches(t *testing.T) {
	r, conns, _ := newResolver(t, map[string][]string{"scratch": nil})

	h, err := r.Resolve(context.Background(), &entity{"scratch", "Thing"})
	require.NoError(t, err)
	assert.Same(t, conns.Default(), h)
}

func TestResolve_AmbiguousBareLabel(t *testing.T) {
	r, _, _ := newResolver(t, map[string][]string{
		"db1": {"app"},
		"db2": {"app"},
	})

	_, err := r.Resolve(context.Background(), &entity{"app", "X"})
	require.Error(t, err)

	var amb *AmbiguousRoutingError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, "app", amb.AppLabel)
	assert.Equal(t, "db1", amb.First)
	assert.Equal(t, "db2", amb.Second)
	assert.Contains(t, err.Error(), `"db1"`)
	assert.Contains(t, err.Error(), `"db2"`)

	_, cached := r.Cached(context.Background(), &entity{"app", "X"})
	assert.False(t, cached)
}

func TestResolve_ExactMatchWinsOverAmbiguousLabel(t *testing.T) {
	r, conns, _ := newResolver(t, map[string][]string{
		"db1": {"app"},
		"db2": {"app"},
		"db3": {"app.Special"},
	})

	h, err := r.Resolve(context.Background(), &entity{"app", "Special"})
	require.NoError(t, err)
	assert.Same(t, conns.MustGet("db3"), h)

	problems := r.CheckAmbiguity()
	require.Len(t, problems, 1)
	assert.Equal(t, "app", problems[0].AppLabel)
}

func TestRoute_NormalizesLabels(t *testing.T) {
	r, _, _ := newResolver(t, map[string][]string{
		"db1": {"café"},
	})

	name, err := r.Route("café", "Menu")
	require.NoError(t, err)
	assert.Equal(t, "db1", name)
}

func TestCheckAmbiguity_SortedAndEmpty(t *testing.T) {
	r, _, _ := newResolver(t, map[string][]string{
		"a": {"zoo", "bar"},
		"b": {"zoo", "bar"},
		"c": {"solo"},
	})
	problems := r.CheckAmbiguity()
	require.Len(t, problems, 2)
	assert.Equal(t, "bar", problems[0].AppLabel)
	assert.Equal(t, "zoo", problems[1].AppLabel)

	clean, _, _ := newResolver(t, map[string][]string{"c": {"solo", "solo"}})
	assert.Empty(t, clean.CheckAmbiguity())
}

func TestResolve_CachedWithinScope(t *testing.T) {
	r, _, _ := newResolver(t, map[string][]string{"db1": {"app"}})
	b := &entity{"app", "Entity"}
	ctx := request.WithScope(context.Background(), &request.Scope{ID: "s1"})

	hits := testutil.ToFloat64(cacheHits)
	misses := testutil.ToFloat64(cacheMisses)
	db1 := testutil.ToFloat64(resolutions.WithLabelValues("db1"))

	first, err := r.Resolve(ctx, b)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, b)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, hits+1, testutil.ToFloat64(cacheHits))
	assert.Equal(t, misses+1, testutil.ToFloat64(cacheMisses))
	assert.Equal(t, db1+1, testutil.ToFloat64(resolutions.WithLabelValues("db1")))
}

func TestResolve_RequestFinishedInvalidatesOwnScopeOnly(t *testing.T) {
	r, _, sig := newResolver(t, map[string][]string{"db1": {"app"}})
	lc := request.NewLifecycle(sig, request.NewFixedGenerator("req-a", "req-b"))
	b := &entity{"app", "Entity"}

	ctxA, _, err := lc.Begin(context.Background())
	require.NoError(t, err)
	ctxB, _, err := lc.Begin(context.Background())
	require.NoError(t, err)

	_, err = r.Resolve(ctxA, b)
	require.NoError(t, err)
	_, err = r.Resolve(ctxB, b)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Scopes())

	require.NoError(t, lc.Finish(ctxA))

	_, cachedA := r.Cached(ctxA, b)
	_, cachedB := r.Cached(ctxB, b)
	assert.False(t, cachedA)
	assert.True(t, cachedB)
	assert.Equal(t, 1, r.Scopes())

	misses := testutil.ToFloat64(cacheMisses)
	_, err = r.Resolve(ctxA, b)
	require.NoError(t, err)
	assert.Equal(t, misses+1, testutil.ToFloat64(cacheMisses), "resolve after finish recomputes")
}

func TestResolve_SubscribesOncePerBinding(t *testing.T) {
	r, _, sig := newResolver(t, map[string][]string{"db1": {"app"}})
	b := &entity{"app", "Entity"}
	other := &entity{"app", "Other"}

	for i := 0; i < 3; i++ {
		ctx := request.WithScope(context.Background(), &request.Scope{ID: "s"})
		_, err := r.Resolve(ctx, b)
		require.NoError(t, err)
		r.Invalidate(ctx, b)
	}
	_, err := r.Resolve(context.Background(), other)
	require.NoError(t, err)

	assert.Len(t, sig.RequestFinished.Receivers(), 2)

	r.Close()
	assert.Empty(t, sig.RequestFinished.Receivers())
	assert.Equal(t, 0, r.Scopes())
}

func TestInvalidate_ManualAndUnknown(t *testing.T) {
	r, _, _ := newResolver(t, map[string][]string{"db1": {"app"}})
	b := &entity{"app", "Entity"}
	ctx := context.Background()

	r.Invalidate(ctx, b)

	_, err := r.Resolve(ctx, b)
	require.NoError(t, err)
	_, ok := r.Cached(ctx, b)
	require.True(t, ok)

	r.Invalidate(ctx, b)
	_, ok = r.Cached(ctx, b)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Scopes())
}

func TestResolve_ConcurrentScopes(t *testing.T) {
	r, conns, sig := newResolver(t, map[string][]string{"db1": {"app"}})
	lc := request.NewLifecycle(sig, nil)
	b := &entity{"app", "Entity"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, _, err := lc.Begin(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 10; j++ {
				h, err := r.Resolve(ctx, b)
				if assert.NoError(t, err) {
					assert.Same(t, conns.MustGet("db1"), h)
				}
			}
			assert.NoError(t, lc.Finish(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Scopes())
}
