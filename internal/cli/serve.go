package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/request"
	"github.com/roach88/strata/internal/routing"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	ShutdownTimeout time.Duration
}

// RouteResponse is the body of GET /route.
type RouteResponse struct {
	Scope  string        `json:"scope"`
	Routes []RouteResult `json:"routes"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve routing resolutions and metrics over HTTP",
		Long: `Start an HTTP server exposing:

  GET /route?entity=app.Entity   resolve one or more entities
  GET /metrics                   Prometheus metrics
  GET /healthz                   liveness

Each /route request runs in its own request scope: repeated entities in one
request hit the resolver cache, and the cache entries are dropped when the
request finishes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	settings, path, err := loadSettings(opts.RootOptions)
	if err != nil {
		return loadFailure(formatter, err)
	}

	rt := newRuntime(settings)
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           newServeHandler(rt),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", opts.Addr, "settings", displayPath(path))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fail(formatter, ExitCommandError, ErrCodeServerFailed, err.Error(), nil)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fail(formatter, ExitFailure, ErrCodeServerFailed, err.Error(), nil)
		}
	}
	return nil
}

func newServeHandler(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /route", rt.lifecycle.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRoute(rt, w, r)
	})))
	return mux
}

func handleRoute(rt *runtime, w http.ResponseWriter, r *http.Request) {
	labels := r.URL.Query()["entity"]
	if len(labels) == 0 {
		writeJSON(w, http.StatusBadRequest, CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: ErrCodeInvalidLabel, Message: "missing entity parameter"},
		})
		return
	}

	resp := RouteResponse{Scope: request.ScopeID(r.Context())}
	status := http.StatusOK
	for _, label := range labels {
		ref, err := parseEntity(label)
		if err != nil {
			resp.Routes = append(resp.Routes, RouteResult{Entity: label, Error: err.Error()})
			status = max(status, http.StatusBadRequest)
			continue
		}
		h, err := rt.resolver.Resolve(r.Context(), ref)
		if err != nil {
			resp.Routes = append(resp.Routes, RouteResult{Entity: ref.String(), Error: err.Error()})
			var amb *routing.AmbiguousRoutingError
			if errors.As(err, &amb) {
				status = max(status, http.StatusConflict)
			} else {
				status = max(status, http.StatusInternalServerError)
			}
			continue
		}
		resp.Routes = append(resp.Routes, RouteResult{Entity: ref.String(), Connection: h.Name(), Engine: h.Engine()})
	}

	body := CLIResponse{Status: "ok", Data: resp}
	if status != http.StatusOK {
		body.Status = "error"
		code := ErrCodeUnknownConn
		switch status {
		case http.StatusBadRequest:
			code = ErrCodeInvalidLabel
		case http.StatusConflict:
			code = ErrCodeAmbiguous
		}
		body.Error = &CLIError{Code: code, Message: "one or more entities could not be routed"}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
