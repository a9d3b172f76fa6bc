package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jordanhubbard/lessonloop/internal/gate"
	"github.com/jordanhubbard/lessonloop/internal/lessonstore"
	"github.com/jordanhubbard/lessonloop/internal/logging"
	"github.com/jordanhubbard/lessonloop/internal/orchestrator"
	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/spf13/cobra"
)

func newPreRunCommand() *cobra.Command {
	var (
		base   string
		mode   string
		scope  string
		window int
	)
	cmd := &cobra.Command{
		Use:   "prerun",
		Short: "Compose, gate and select the configuration for the next run",
		Example: `  lessonctl prerun --base base
  lessonctl prerun --base configs/profile-a.yaml --mode apply --scope profile`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.PreRun(cmd.Context(), orchestrator.PreRunRequest{
				Base:   base,
				Mode:   models.Mode(mode),
				Scope:  models.Scope(scope),
				Window: window,
			})
			if err != nil {
				return err
			}
			if wantJSON() {
				return outputJSON(res.Snapshot)
			}
			printSnapshot(res.Snapshot)
			printWarnings()
			return nil
		},
	}
	cmd.Flags().StringVarP(&base, "base", "b", "", "Base configuration name or file (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "Lessons mode: advisory or apply (default from config)")
	cmd.Flags().StringVar(&scope, "scope", "", "Lessons scope: profile, dataset or global (default from config)")
	cmd.Flags().IntVar(&window, "window", 0, "Most recent lessons to consider (default from config)")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func newPostRunCommand() *cobra.Command {
	var (
		resultPath string
		scope      string
	)
	cmd := &cobra.Command{
		Use:     "postrun",
		Short:   "Record lessons from a scored run and refresh the evolution graph",
		Example: `  lessonctl postrun --result runs/run-42.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := orchestrator.LoadRunResult(resultPath)
			if err != nil {
				return err
			}
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.PostRun(cmd.Context(), orchestrator.PostRunRequest{Run: run, Scope: models.Scope(scope)})
			if err != nil {
				return err
			}
			if wantJSON() {
				return outputJSON(res.Snapshot)
			}
			printSnapshot(res.Snapshot)
			printWarnings()
			return nil
		},
	}
	cmd.Flags().StringVarP(&resultPath, "result", "r", "", "Run result file, JSON or YAML (required)")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope for new lessons (default from the pre-run state)")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func newStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the current state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			snap, err := o.ReadState()
			if err != nil {
				return err
			}
			if wantJSON() {
				return outputJSON(snap)
			}
			printSnapshot(snap)
			return nil
		},
	}
}

func newGraphCommand() *cobra.Command {
	var (
		format  string
		lineage string
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the configuration lineage graph",
		Example: `  lessonctl graph --format mermaid
  lessonctl graph --lineage base.c1a2b3c4d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			g, err := o.Tracker().Load(cmd.Context())
			if err != nil {
				return err
			}
			if lineage != "" {
				chain, err := g.Lineage(lineage)
				if err != nil {
					return err
				}
				if wantJSON() {
					return outputJSON(chain)
				}
				fmt.Fprintln(current.out, strings.Join(chain, " <- "))
				return nil
			}

			switch format {
			case "mermaid":
				fmt.Fprint(current.out, g.Mermaid())
			case "tree":
				fmt.Fprintln(current.out, g.Tree())
			case "json":
				data, err := g.JSON()
				if err != nil {
					return err
				}
				_, err = current.out.Write(data)
				return err
			case "":
				if wantJSON() {
					return outputJSON(g)
				}
				fmt.Fprintln(current.out, g.Tree())
			default:
				return fmt.Errorf("unknown graph format %q", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Format: json, mermaid or tree")
	cmd.Flags().StringVar(&lineage, "lineage", "", "Print the chain from this configuration to its root")
	return cmd
}

func newLessonsCommand() *cobra.Command {
	var (
		scope string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "List recorded lessons, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			view := models.ScopeProfile
			if scope != "" {
				if view, err = models.ParseScope(scope); err != nil {
					return err
				}
			}
			lessons, err := lessonstore.Recent(cmd.Context(), o.Store(), view, limit)
			if err != nil {
				return err
			}
			if lessons == nil {
				lessons = []models.Lesson{}
			}
			if wantJSON() {
				return outputJSON(lessons)
			}

			t := table.NewWriter()
			t.SetOutputMirror(current.out)
			t.AppendHeader(table.Row{"ID", "Created", "Scope", "Pattern", "Changes", "Run"})
			for _, l := range lessons {
				var changes []string
				for _, c := range l.Recommendation.Changes {
					changes = append(changes, fmt.Sprintf("%s %s %v", c.Op, c.Key, c.Value))
				}
				t.AppendRow(table.Row{l.ID, l.CreatedAt.Format("2006-01-02 15:04:05"), l.Scope, l.Finding.Pattern, strings.Join(changes, "; "), l.SourceRun})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Only lessons visible at this scope (default: all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum lessons to list (0 for all)")
	return cmd
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the file lesson log without corrupt records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if b := current.cfg.Store.Backend; b != "" && b != config.BackendFile {
				return fmt.Errorf("compact applies to the file backend only (configured: %s)", b)
			}
			store, err := lessonstore.NewFileStore(current.cfg.StorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Compact(cmd.Context())
			if err != nil {
				return err
			}
			summary := map[string]int{"batches": len(res.Envelopes), "removed": len(res.Corrupt)}
			if wantJSON() {
				return outputJSON(summary)
			}
			fmt.Fprintf(current.out, "Kept %d batch(es), removed %d corrupt record(s)\n", summary["batches"], summary["removed"])
			return nil
		},
	}
}

func newEffectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "effect EXPR...",
		Short:   "Parse predicted-effect strings the way the quality gate does",
		Example: `  lessonctl effect "+0.03~+0.06" "+10~15%"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type parsed struct {
				Input string `json:"input"`
				Error string `json:"error,omitempty"`
				gate.Effect
			}
			out := make([]parsed, 0, len(args))
			for _, raw := range args {
				eff, err := gate.ParseEffect(raw)
				p := parsed{Input: raw, Effect: eff}
				if err != nil {
					p.Error = err.Error()
				}
				out = append(out, p)
			}
			if wantJSON() {
				return outputJSON(out)
			}
			t := table.NewWriter()
			t.SetOutputMirror(current.out)
			t.AppendHeader(table.Row{"Input", "Canonical", "Min", "Max", "Unit", "Error"})
			for _, p := range out {
				canonical := ""
				if p.Error == "" {
					canonical = p.Effect.String()
				}
				t.AppendRow(table.Row{p.Input, canonical, p.MinDelta, p.MaxDelta, p.Unit, p.Error})
			}
			t.Render()
			return nil
		},
	}
}

func printSnapshot(snap *models.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(current.out)
	t.AppendRow(table.Row{"Cycle", snap.Cycle.ID})
	t.AppendRow(table.Row{"Phase", snap.Cycle.Phase})
	t.AppendRow(table.Row{"Outcome", snap.Cycle.Outcome})
	t.AppendRow(table.Row{"Mode / scope", fmt.Sprintf("%s / %s (window %d)", snap.Lessons.Mode, snap.Lessons.Scope, snap.Lessons.Window)})
	t.AppendRow(table.Row{"Active config", snap.Env.ActiveConfig})
	if snap.Env.DerivedFrom != nil {
		t.AppendRow(table.Row{"Derived from", *snap.Env.DerivedFrom})
	}
	if snap.Lessons.CandidateConfig != "" {
		t.AppendRow(table.Row{"Candidate", snap.Lessons.CandidateConfig})
	}
	t.AppendRow(table.Row{"Applied lessons", strings.Join(snap.Lessons.AppliedLessons, ", ")})
	if len(snap.Lessons.SuggestedLessons) > 0 {
		t.AppendRow(table.Row{"Suggested lessons", strings.Join(snap.Lessons.SuggestedLessons, ", ")})
	}
	t.AppendRow(table.Row{"Apply blocked", snap.Lessons.ApplyBlocked})
	if snap.Lessons.DecisionDocket != "" {
		t.AppendRow(table.Row{"Decision record", snap.Lessons.DecisionDocket})
	}
	for _, w := range snap.Lessons.GateWarnings {
		t.AppendRow(table.Row{"Gate warning", w})
	}
	if pr := snap.PostRun; pr != nil {
		t.AppendRow(table.Row{"Run", pr.RunID})
		t.AppendRow(table.Row{"Lessons recorded", strings.Join(pr.LessonsRecorded, ", ")})
		t.AppendRow(table.Row{"Evolution graph", pr.EvolutionGraph})
		for _, d := range pr.DanglingParents {
			t.AppendRow(table.Row{"Missing parent", d})
		}
	}
	t.Render()
}

func newLogsCommand() *cobra.Command {
	var (
		f     logging.Filter
		limit int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show engine log entries persisted by the SQL store backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch b := current.cfg.Store.Backend; b {
			case config.BackendSQLite, config.BackendPostgres:
			default:
				return fmt.Errorf("engine logs are persisted by the sqlite and postgres backends only (configured: %s)", b)
			}
			o, err := openOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			entries, err := current.logs.Query(limit, f)
			if err != nil {
				return err
			}
			if wantJSON() {
				return outputJSON(entries)
			}
			t := table.NewWriter()
			t.SetOutputMirror(current.out)
			t.AppendHeader(table.Row{"Time", "Level", "Source", "Cycle", "Message"})
			for _, e := range entries {
				cycle, _ := e.Metadata["cycle_id"].(string)
				t.AppendRow(table.Row{e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Source, cycle, e.Message})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Level, "level", "", "Only entries at this level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.Source, "source", "", "Only entries from this component")
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "Only entries tagged with this cycle id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show (0 for all)")
	return cmd
}
