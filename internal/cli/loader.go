package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/request"
	"github.com/roach88/strata/internal/routing"
	"github.com/roach88/strata/internal/store"
)

// LoadError is a settings loading failure with its CLI error code.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// loadSettings resolves the settings path (flag, then STRATA_CONFIG), loads
// it, and applies STRATA_* overrides. With no path at all the built-in
// defaults are used.
func loadSettings(opts *RootOptions) (*config.Settings, string, error) {
	env, err := config.ParseEnv(opts.Environ)
	if err != nil {
		return nil, "", &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
	}

	path := opts.Config
	if path == "" {
		path = env.Config
	}

	var s *config.Settings
	if path == "" {
		slog.Debug("no settings file; using defaults")
		s = config.Defaults()
	} else {
		s, err = config.Load(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, path, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("settings file not found: %s", path), Err: err}
			}
			return nil, path, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
		}
	}

	s.ApplyEnv(env)
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, path, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
	}
	slog.Debug("settings loaded", "path", path, "databases", len(s.Other)+1)
	return s, path, nil
}

// runtime wires the routing stack for one command invocation.
type runtime struct {
	settings  *config.Settings
	signals   *dispatch.Signals
	conns     *store.Connections
	resolver  *routing.Resolver
	lifecycle *request.Lifecycle
}

func newRuntime(s *config.Settings) *runtime {
	signals := dispatch.NewSignals()
	conns := store.NewConnections(s)
	return &runtime{
		settings:  s,
		signals:   signals,
		conns:     conns,
		resolver:  routing.NewResolver(s, conns, signals),
		lifecycle: request.NewLifecycle(signals, nil),
	}
}

func (r *runtime) Close() {
	r.resolver.Close()
	if err := r.conns.Close(); err != nil {
		slog.Error("error closing connections", "error", err)
	}
}

// entityRef is a routing binding parsed from an "app.Entity" argument. It
// is a value so equal labels share one resolver cache entry and one
// invalidation receiver.
type entityRef struct {
	app  string
	name string
}

func (e entityRef) AppLabel() string   { return e.app }
func (e entityRef) EntityName() string { return e.name }
func (e entityRef) String() string     { return e.app + "." + e.name }

func parseEntity(label string) (entityRef, error) {
	app, name, ok := strings.Cut(config.NormalizeLabel(label), ".")
	if !ok || app == "" || name == "" || strings.Contains(name, ".") {
		return entityRef{}, fmt.Errorf("invalid entity %q: expected app.Entity", label)
	}
	return entityRef{app: app, name: name}, nil
}

// loadFailure maps a loadSettings error to formatter output and an exit
// code.
func loadFailure(f *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return fail(f, ExitCommandError, loadErr.Code, loadErr.Message, nil)
	}
	return fail(f, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
}
