package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Ping    bool
	Timeout time.Duration
}

// ConnectionStatus describes one configured database.
type ConnectionStatus struct {
	Name      string   `json:"name"`
	Engine    string   `json:"engine"`
	Models    []string `json:"models,omitempty"`
	Reachable *bool    `json:"reachable,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Ambiguity names an app label claimed by two rule blocks.
type Ambiguity struct {
	AppLabel string `json:"app_label"`
	First    string `json:"first"`
	Second   string `json:"second"`
}

// CheckReport is the result of the check command.
type CheckReport struct {
	Settings    string             `json:"settings"`
	Connections []ConnectionStatus `json:"connections"`
	Ambiguities []Ambiguity        `json:"ambiguities,omitempty"`
}

func (r CheckReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Settings: %s\n", r.Settings)
	for _, c := range r.Connections {
		fmt.Fprintf(&b, "  %s (%s)", c.Name, c.Engine)
		if len(c.Models) > 0 {
			fmt.Fprintf(&b, " models=%s", strings.Join(c.Models, ","))
		}
		switch {
		case c.Error != "":
			fmt.Fprintf(&b, " ✗ %s", c.Error)
		case c.Reachable != nil:
			b.WriteString(" ✓ reachable")
		}
		b.WriteByte('\n')
	}
	for _, a := range r.Ambiguities {
		fmt.Fprintf(&b, "✗ app label %q is routed by both %q and %q\n", a.AppLabel, a.First, a.Second)
	}
	if len(r.Ambiguities) == 0 {
		b.WriteString("✓ No ambiguous app labels")
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate settings and report ambiguous routing",
		Long: `Load and validate the settings file, list every configured connection,
and report app labels claimed by more than one rule block. With --ping,
each database is opened and pinged.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Ping, "ping", false, "open and ping every database")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "per-database ping timeout")

	return cmd
}

func runCheck(ctx context.Context, opts *CheckOptions, cmd *cobra.Command) error {
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

	report := CheckReport{Settings: displayPath(path)}
	failCode := ""
	for _, name := range rt.conns.Names() {
		h := rt.conns.MustGet(name)
		status := ConnectionStatus{Name: name, Engine: h.Engine(), Models: h.Def().Models}
		if opts.Ping {
			formatter.VerboseLog("Pinging %s", name)
			pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			err := h.Ping(pingCtx)
			cancel()
			ok := err == nil
			status.Reachable = &ok
			if err != nil {
				status.Error = err.Error()
				failCode = firstCode(failCode, ErrCodePingFailed)
			}
		}
		report.Connections = append(report.Connections, status)
	}

	for _, amb := range rt.resolver.CheckAmbiguity() {
		report.Ambiguities = append(report.Ambiguities, Ambiguity{AppLabel: amb.AppLabel, First: amb.First, Second: amb.Second})
		failCode = firstCode(failCode, ErrCodeAmbiguous)
	}

	if failCode != "" {
		_ = formatter.Failure(failCode, "settings check failed", report)
		return NewExitError(ExitFailure, fmt.Sprintf("%s: settings check failed", failCode))
	}
	return formatter.Success(report)
}
