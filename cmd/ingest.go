package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <source-id>=<batch.json>...",
	Short: "Load normalized batches as ingestion runs",
	Long: "Each argument names a source and a JSON batch of rows. Every batch becomes one run: " +
		"the batch file (and any --raw files) are stored as raw objects, rows are written as " +
		"observation revisions, and an INGEST entry links them in the ledger.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringSlice("raw")
		if len(raw) > 0 && len(args) > 1 {
			return eris.New("--raw can only be used with a single batch")
		}

		batches := make([]ingest.Batch, 0, len(args))
		for _, arg := range args {
			source, path, err := parseBatchArg(arg)
			if err != nil {
				return err
			}
			b, err := ingest.ReadBatchFile(source, path, raw...)
			if err != nil {
				return err
			}
			batches = append(batches, b)
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Loader.LoadAll(cmd.Context(), batches)
		formatIngestResults(os.Stdout, results)
		return err
	},
}

func init() {
	ingestCmd.Flags().StringSlice("raw", nil, "original payload files to keep as raw objects")
	rootCmd.AddCommand(ingestCmd)
}

func parseBatchArg(arg string) (string, string, error) {
	source, path, ok := strings.Cut(arg, "=")
	if !ok || source == "" || path == "" {
		return "", "", eris.Errorf("invalid batch %q, want <source-id>=<path>", arg)
	}
	return source, path, nil
}

// formatIngestResults writes one line per loaded batch. Nil results belong
// to batches that failed before a run was opened.
func formatIngestResults(out io.Writer, results []*ingest.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tRUN\tSTATUS\tWRITTEN\tUNCHANGED\tREJECTED\tCONTRADICTIONS")
	for _, r := range results {
		if r == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.SourceID, truncateID(r.RunID), r.Status, r.Written, r.Unchanged, r.Rejected, r.Contradictions)
	}
	_ = w.Flush()
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, e := range r.Errors {
			_, _ = fmt.Fprintf(out, "  %s: %s\n", r.SourceID, e)
		}
	}
}
