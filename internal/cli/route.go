package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/routing"
)

// RouteResult is the resolution of one entity.
type RouteResult struct {
	Entity     string `json:"entity"`
	Connection string `json:"connection,omitempty"`
	Engine     string `json:"engine,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RouteReport lists resolutions in argument order.
type RouteReport struct {
	Routes []RouteResult `json:"routes"`
}

func (r RouteReport) String() string {
	var b strings.Builder
	for i, route := range r.Routes {
		if i > 0 {
			b.WriteByte('\n')
		}
		if route.Error != "" {
			fmt.Fprintf(&b, "%s -> error: %s", route.Entity, route.Error)
			continue
		}
		fmt.Fprintf(&b, "%s -> %s (%s)", route.Entity, route.Connection, route.Engine)
	}
	return b.String()
}

// NewRouteCommand creates the route command.
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route <app.Entity>...",
		Short: "Show which connection serves each entity",
		Long: `Resolve the connection for each entity using the routing rules in the
settings file. Exact "app.Entity" rules win over bare "app" rules; entities
matching no rule use the default connection.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd.Context(), rootOpts, args, cmd)
		},
	}
	return cmd
}

func runRoute(ctx context.Context, opts *RootOptions, labels []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	settings, path, err := loadSettings(opts)
	if err != nil {
		return loadFailure(formatter, err)
	}
	formatter.VerboseLog("Loaded settings from %s", displayPath(path))

	rt := newRuntime(settings)
	defer rt.Close()

	ctx, _, err = rt.lifecycle.Begin(ctx)
	if err != nil {
		return fail(formatter, ExitFailure, ErrCodeGeneric, err.Error(), nil)
	}
	defer func() { _ = rt.lifecycle.Finish(ctx) }()

	report := RouteReport{Routes: make([]RouteResult, 0, len(labels))}
	failCode := ""
	for _, label := range labels {
		ref, err := parseEntity(label)
		if err != nil {
			report.Routes = append(report.Routes, RouteResult{Entity: label, Error: err.Error()})
			failCode = firstCode(failCode, ErrCodeInvalidLabel)
			continue
		}

		h, err := rt.resolver.Resolve(ctx, ref)
		if err != nil {
			report.Routes = append(report.Routes, RouteResult{Entity: ref.String(), Error: err.Error()})
			var amb *routing.AmbiguousRoutingError
			if errors.As(err, &amb) {
				failCode = firstCode(failCode, ErrCodeAmbiguous)
			} else {
				failCode = firstCode(failCode, ErrCodeUnknownConn)
			}
			continue
		}
		formatter.VerboseLog("Resolved %s to %s", ref, h.Name())
		report.Routes = append(report.Routes, RouteResult{Entity: ref.String(), Connection: h.Name(), Engine: h.Engine()})
	}

	if failCode != "" {
		_ = formatter.Failure(failCode, "one or more entities could not be routed", report)
		return NewExitError(ExitFailure, fmt.Sprintf("%s: routing failed", failCode))
	}
	return formatter.Success(report)
}

func firstCode(current, code string) string {
	if current != "" {
		return current
	}
	return code
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
