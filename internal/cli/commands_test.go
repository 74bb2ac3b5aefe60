package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanSettings = `
default:
  engine: sqlite
  name: ":memory:"
other_databases:
  orders:
    engine: sqlite
    name: "%DIR%/orders.db"
    models: [shop, billing.Invoice]
  archive:
    engine: sqlite
    name: "%DIR%/archive.db"
    models: [history]
`

const ambiguousSettings = `
default:
  engine: sqlite
  name: ":memory:"
other_databases:
  east:
    engine: sqlite
    name: ":memory:"
    models: [shop]
  west:
    engine: sqlite
    name: ":memory:"
    models: [shop, shop.Order]
`

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = string(bytes.ReplaceAll([]byte(body), []byte("%DIR%"), []byte(dir)))
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// execute runs the CLI with a hermetic environment and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&RootOptions{Environ: map[string]string{}})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoute_Text(t *testing.T) {
	path := writeSettings(t, cleanSettings)

	out, err := execute(t, "--config", path, "route", "shop.Order", "billing.Invoice", "billing.Payment", "history.Event")
	require.NoError(t, err)
	assert.Equal(t, "shop.Order -> orders (sqlite)\n"+
		"billing.Invoice -> orders (sqlite)\n"+
		"billing.Payment -> default (sqlite)\n"+
		"history.Event -> archive (sqlite)\n", out)
}

func TestRoute_JSON(t *testing.T) {
	path := writeSettings(t, cleanSettings)

	out, err := execute(t, "--config", path, "--format", "json", "route", "shop.Order")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   RouteReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []RouteResult{{Entity: "shop.Order", Connection: "orders", Engine: "sqlite"}}, resp.Data.Routes)
}

func TestRoute_DefaultsWithoutSettings(t *testing.T) {
	out, err := execute(t, "route", "shop.Order")
	require.NoError(t, err)
	assert.Equal(t, "shop.Order -> default (sqlite)\n", out)
}

func TestRoute_ConfigFromEnvironment(t *testing.T) {
	path := writeSettings(t, cleanSettings)

	cmd := newRootCommand(&RootOptions{Environ: map[string]string{"STRATA_CONFIG": path}})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"route", "history.Event"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "history.Event -> archive (sqlite)\n", out.String())
}

func TestRoute_Ambiguous(t *testing.T) {
	path := writeSettings(t, ambiguousSettings)

	out, err := execute(t, "--config", path, "--format", "json", "route", "shop.Customer", "shop.Order")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string      `json:"status"`
		Data   RouteReport `json:"data"`
		Error  *CLIError   `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeAmbiguous, resp.Error.Code)
	require.Len(t, resp.Data.Routes, 2)
	assert.Contains(t, resp.Data.Routes[0].Error, `app label "shop" is routed by both "east" and "west"`)
	// The exact rule still routes shop.Order.
	assert.Equal(t, "west", resp.Data.Routes[1].Connection)
}

func TestRoute_InvalidLabel(t *testing.T) {
	out, err := execute(t, "route", "NoDot")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E204]")
}

func TestRoute_MissingSettings(t *testing.T) {
	out, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "route", "shop.Order")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestRoute_RequiresArgument(t *testing.T) {
	_, err := execute(t, "route")
	require.Error(t, err)
}

func TestCheck_Clean(t *testing.T) {
	path := writeSettings(t, cleanSettings)

	out, err := execute(t, "--config", path, "check", "--ping")
	require.NoError(t, err)
	assert.Contains(t, out, "Settings: "+path)
	assert.Contains(t, out, "archive (sqlite) models=history ✓ reachable")
	assert.Contains(t, out, "orders (sqlite) models=shop,billing.Invoice ✓ reachable")
	assert.Contains(t, out, "✓ No ambiguous app labels")
}

func TestCheck_ReportsAmbiguity(t *testing.T) {
	path := writeSettings(t, ambiguousSettings)

	out, err := execute(t, "--config", path, "--format", "json", "check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data  CheckReport `json:"data"`
		Error *CLIError   `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeAmbiguous, resp.Error.Code)
	assert.Equal(t, []Ambiguity{{AppLabel: "shop", First: "east", Second: "west"}}, resp.Data.Ambiguities)
	assert.Len(t, resp.Data.Connections, 3)
	for _, c := range resp.Data.Connections {
		assert.Nil(t, c.Reachable, "no ping requested")
	}
}

func TestCheck_InvalidSettings(t *testing.T) {
	path := writeSettings(t, "default:\n  engine: oracle\n  name: x\n")

	out, err := execute(t, "--config", path, "check")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
}

func newTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv, _ := newTestRuntimeServer(t, body)
	return srv
}

func newTestRuntimeServer(t *testing.T, body string) (*httptest.Server, *runtime) {
	t.Helper()
	settings, _, err := loadSettings(&RootOptions{Config: writeSettings(t, body), Environ: map[string]string{}})
	require.NoError(t, err)
	rt := newRuntime(settings)
	t.Cleanup(rt.Close)
	srv := httptest.NewServer(newServeHandler(rt))
	t.Cleanup(srv.Close)
	return srv, rt
}

// counterValue sums every series of a counter in the default registry.
func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func getRoute(t *testing.T, srv *httptest.Server, query string) (int, CLIResponse, RouteResponse) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/route?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope CLIResponse
	require.NoError(t, json.Unmarshal(raw, &envelope))
	var body struct {
		Data RouteResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, envelope, body.Data
}

func TestServe_Route(t *testing.T) {
	srv := newTestServer(t, cleanSettings)

	status, envelope, data := getRoute(t, srv, "entity=shop.Order&entity=shop.Order&entity=misc.Thing")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", envelope.Status)
	assert.NotEmpty(t, data.Scope)
	assert.Equal(t, []RouteResult{
		{Entity: "shop.Order", Connection: "orders", Engine: "sqlite"},
		{Entity: "shop.Order", Connection: "orders", Engine: "sqlite"},
		{Entity: "misc.Thing", Connection: "default", Engine: "sqlite"},
	}, data.Routes)
}

func TestServe_EachRequestGetsItsOwnScope(t *testing.T) {
	srv := newTestServer(t, cleanSettings)

	_, _, first := getRoute(t, srv, "entity=shop.Order")
	_, _, second := getRoute(t, srv, "entity=shop.Order")
	assert.NotEqual(t, first.Scope, second.Scope)
}

func TestServe_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		query  string
		status int
		code   string
	}{
		{"missing entity", cleanSettings, "", http.StatusBadRequest, ErrCodeInvalidLabel},
		{"bad label", cleanSettings, "entity=nodot", http.StatusBadRequest, ErrCodeInvalidLabel},
		{"ambiguous", ambiguousSettings, "entity=shop.Customer", http.StatusConflict, ErrCodeAmbiguous},
		{"ambiguity outranks bad label", ambiguousSettings, "entity=shop.Customer&entity=nodot", http.StatusConflict, ErrCodeAmbiguous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.body)
			status, envelope, _ := getRoute(t, srv, tt.query)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, "error", envelope.Status)
			require.NotNil(t, envelope.Error)
			assert.Equal(t, tt.code, envelope.Error.Code)
		})
	}
}

func TestServe_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, cleanSettings)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	getRoute(t, srv, "entity=shop.Order&entity=shop.Order")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "strata_routing_cache_hits_total")
	assert.Contains(t, string(raw), "strata_routing_resolutions_total")
}

func TestServe_RepeatedEntitiesShareCacheAndReceiver(t *testing.T) {
	srv, rt := newTestRuntimeServer(t, cleanSettings)

	for i := 0; i < 3; i++ {
		hits := counterValue(t, "strata_routing_cache_hits_total")
		misses := counterValue(t, "strata_routing_cache_misses_total")

		status, _, data := getRoute(t, srv, "entity=shop.Order&entity=shop.Order")
		require.Equal(t, http.StatusOK, status)
		require.Len(t, data.Routes, 2)

		assert.Equal(t, hits+1, counterValue(t, "strata_routing_cache_hits_total"), "request %d", i)
		assert.Equal(t, misses+1, counterValue(t, "strata_routing_cache_misses_total"), "request %d", i)
		assert.Equal(t, []string{"routing.invalidate(shop.Order)"}, rt.signals.RequestFinished.Receivers())
		// Finish runs after the response is written, so allow it to land.
		assert.Eventually(t, func() bool { return rt.resolver.Scopes() == 0 }, time.Second, 5*time.Millisecond)
	}
}
