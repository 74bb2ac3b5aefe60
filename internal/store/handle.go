package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/strata/internal/config"
)

var (
	// opensTotal counts successful and failed handle opens by engine
	opensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_store_opens_total",
		Help: "Total database handle opens by engine and result",
	}, []string{"engine", "result"})
)

// Handle is a named, lazily opened database connection.
//
// Thread-safety: safe for concurrent use.
type Handle struct {
	name string
	def  config.DatabaseDef

	mu sync.Mutex
	db *sql.DB
}

func newHandle(name string, def config.DatabaseDef) *Handle {
	return &Handle{name: name, def: def}
}

// Name returns the connection name.
func (h *Handle) Name() string { return h.name }

// Engine returns the canonical engine name.
func (h *Handle) Engine() string { return h.def.Engine }

// Def returns the settings the handle was built from.
func (h *Handle) Def() config.DatabaseDef { return h.def }

// String returns the connection name.
func (h *Handle) String() string { return h.name }

// Opened reports whether the underlying database has been opened.
func (h *Handle) Opened() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db != nil
}

// DB opens the database on first use and returns it.
func (h *Handle) DB(ctx context.Context) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		return h.db, nil
	}

	db, err := open(ctx, h.def)
	if err != nil {
		opensTotal.WithLabelValues(h.def.Engine, "error").Inc()
		return nil, fmt.Errorf("connection %s: %w", h.name, err)
	}
	opensTotal.WithLabelValues(h.def.Engine, "ok").Inc()
	h.db = db
	return db, nil
}

// Ping opens the database if needed and verifies it is reachable.
func (h *Handle) Ping(ctx context.Context) error {
	db, err := h.DB(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connection %s: ping: %w", h.name, err)
	}
	return nil
}

// Close closes the underlying database if it was opened. The handle can be
// reopened by a later DB call.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

func open(ctx context.Context, def config.DatabaseDef) (*sql.DB, error) {
	switch def.Engine {
	case config.EngineSQLite:
		return openSQLite(ctx, def)
	case config.EnginePostgres:
		return openPostgres(ctx, def)
	default:
		return nil, fmt.Errorf("unsupported engine %q", def.Engine)
	}
}

func openSQLite(ctx context.Context, def config.DatabaseDef) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", def.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db, def.Options); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

// applyPragmas sets the baseline SQLite configuration followed by any
// "pragma.<name>" options, in sorted order.
func applyPragmas(ctx context.Context, db *sql.DB, options map[string]string) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, key := range sortedKeys(options) {
		name, ok := strings.CutPrefix(key, "pragma.")
		if !ok {
			continue
		}
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", name, options[key]))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func openPostgres(ctx context.Context, def config.DatabaseDef) (*sql.DB, error) {
	dsn, err := postgresDSN(def)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// postgresDSN merges options into the configured name, which is either a
// URL (postgres://...) or a keyword/value string (host=... dbname=...).
func postgresDSN(def config.DatabaseDef) (string, error) {
	if len(def.Options) == 0 {
		return def.Name, nil
	}

	if strings.Contains(def.Name, "://") {
		u, err := url.Parse(def.Name)
		if err != nil {
			return "", fmt.Errorf("invalid postgres URL: %w", err)
		}
		q := u.Query()
		for _, k := range sortedKeys(def.Options) {
			q.Set(k, def.Options[k])
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	var b strings.Builder
	b.WriteString(def.Name)
	for _, k := range sortedKeys(def.Options) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", k, quoteDSNValue(def.Options[k]))
	}
	return b.String(), nil
}

// quoteDSNValue quotes a keyword/value connection string value when it is
// empty or holds whitespace, a quote or a backslash. Inside quotes libpq
// reads \' and \\ as escapes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r\f\v'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
