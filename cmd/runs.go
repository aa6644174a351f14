package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Start, seal and inspect ingestion runs",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := evidence.RunFilter{SourceID: source, Limit: limit}
		if status != "" {
			if filter.Status, err = model.ParseRunStatus(status); err != nil {
				return err
			}
		}

		runs, err := env.Tracker.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its raw objects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Tracker.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		raw, err := env.Tracker.RawObjects(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(struct {
			*model.IngestionRun
			RawObjects []model.RawObject `json:"raw_objects"`
		}{run, raw})
	},
}

// -- runs start --

var runsStartCmd = &cobra.Command{
	Use:   "start <source-id>",
	Short: "Open a run for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Tracker.StartRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(run.ID)
		return nil
	},
}

// -- runs store --

var runsStoreCmd = &cobra.Command{
	Use:   "store <run-id> <file>...",
	Short: "Store raw payloads under an open run",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}
			k := kind
			if k == "" {
				k = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}
			obj, err := env.Tracker.StoreRawObject(ctx, args[0], data, k)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", obj.ID, obj.ContentHash, path)
		}
		return nil
	},
}

// -- runs complete --

var runsCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Seal a run with a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		st, err := model.ParseRunStatus(status)
		if err != nil {
			return err
		}
		res := evidence.RunResult{Status: st}
		res.Error, _ = cmd.Flags().GetString("error")
		if cmd.Flags().Changed("rows") {
			rows, _ := cmd.Flags().GetInt64("rows")
			res.RowsIngested = &rows
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()
		return env.Tracker.CompleteRun(cmd.Context(), args[0], res)
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Seal an in-flight run as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()
		reason, _ := cmd.Flags().GetString("reason")
		return env.Tracker.CancelRun(cmd.Context(), args[0], reason)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		since, _ := cmd.Flags().GetDuration("since")
		filter := evidence.RunFilter{Limit: 10000}
		if since > 0 {
			filter.StartedAfter = time.Now().Add(-since)
		}

		runs, err := env.Tracker.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, success, partial, failed)")
	runsListCmd.Flags().String("source", "", "filter by source id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStoreCmd.Flags().String("kind", "", "payload kind (default: file extension)")

	runsCompleteCmd.Flags().String("status", "success", "terminal status (success, partial, failed)")
	runsCompleteCmd.Flags().Int64("rows", 0, "rows ingested")
	runsCompleteCmd.Flags().String("error", "", "error summary for partial or failed runs")

	runsCancelCmd.Flags().String("reason", "", "why the run was cancelled")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsStoreCmd)
	runsCmd.AddCommand(runsCompleteCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Success    int
	Partial    int
	Failed     int
	Running    int
	Rows       int64
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.IngestionRun) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunSuccess:
			s.Success++
		case model.RunPartial:
			s.Partial++
		case model.RunFailed:
			s.Failed++
		default:
			s.Running++
		}
		if r.RowsIngested != nil {
			s.Rows += *r.RowsIngested
		}
		if r.EndedAt != nil {
			totalDur += r.EndedAt.Sub(r.StartedAt)
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.IngestionRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tRETRY\tROWS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-----\t----\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		rows := "-"
		if r.RowsIngested != nil {
			rows = fmt.Sprintf("%d", *r.RowsIngested)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.SourceID,
			r.Status,
			r.RetryCount,
			rows,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Success:\t%d\n", s.Success)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Rows ingested:\t%d\n", s.Rows)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}
