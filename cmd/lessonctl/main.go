package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jordanhubbard/lessonloop/internal/database"
	"github.com/jordanhubbard/lessonloop/internal/lessonstore"
	"github.com/jordanhubbard/lessonloop/internal/logging"
	"github.com/jordanhubbard/lessonloop/internal/orchestrator"
	"github.com/jordanhubbard/lessonloop/internal/telemetry"
	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "1.0.0"

var (
	configPath   string
	workspace    string
	outputFormat string
	verbose      bool
)

// app carries per-invocation state between the persistent hooks and the
// subcommands.
type app struct {
	cfg      *config.Config
	logs     *logging.Manager
	shutdown func(context.Context) error
	out      io.Writer
}

var current = &app{out: os.Stdout}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lessonctl",
		Short: "Closed-loop lessons engine",
		Long: `lessonctl runs one phase of an evaluation cycle per invocation.
Run "prerun" before an evaluation to select the active configuration, and
"postrun" after it to record what the run taught. Output is JSON when stdout
is not a terminal.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return teardown(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Engine config file (default $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "auto", "Output format: auto, json, text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Echo engine logs to stderr")

	rootCmd.AddCommand(newPreRunCommand())
	rootCmd.AddCommand(newPostRunCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newLessonsCommand())
	rootCmd.AddCommand(newCompactCommand())
	rootCmd.AddCommand(newEffectCommand())
	rootCmd.AddCommand(newLogsCommand())
	return rootCmd
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	current.cfg = cfg

	current.logs = logging.NewManager(nil, false)
	if verbose {
		current.logs.SetEcho(os.Stderr)
	}
	current.logs.InstallLogInterceptor()
	current.logs.Info("cli", fmt.Sprintf("%s (v%s)", cmd.CommandPath(), version), nil)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTelemetry(cmd.Context(), telemetry.Options{
			ServiceName:  cfg.Telemetry.ServiceName,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		current.shutdown = shutdown
	}
	return nil
}

func teardown(ctx context.Context) error {
	if current.shutdown == nil {
		return nil
	}
	return current.shutdown(ctx)
}

// openOrchestrator opens the configured store. SQL backends also receive the
// engine log, tagged with the cycle being worked on.
func openOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(ctx, current.cfg, orchestrator.WithCycleHook(current.logs.SetCycle))
	if err != nil {
		return nil, err
	}
	if s, ok := o.Store().(*lessonstore.SQLStore); ok {
		if err := current.logs.AttachDB(s.DB.DB(), s.DB.Type() == database.DialectPostgres); err != nil {
			current.logs.Warn("logging", fmt.Sprintf("engine log is not persisted: %v", err), nil)
		}
	}
	return o, nil
}

// wantJSON resolves the output format. "auto" means JSON unless stdout is
// a terminal.
func wantJSON() bool {
	switch outputFormat {
	case "json":
		return true
	case "text":
		return false
	}
	if f, ok := current.out.(*os.File); ok {
		return !term.IsTerminal(int(f.Fd()))
	}
	return true
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(current.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printWarnings lists warnings captured during this invocation.
func printWarnings() {
	warnings := current.logs.Warnings()
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(current.out, "\n%d warning(s):\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(current.out, "  [%s] %s\n", w.Source, w.Message)
	}
}
