package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Walk and export provenance",
}

var lineageTraceCmd = &cobra.Command{
	Use:   "trace <kind:id>",
	Short: "Print every ledger entry the reference descends from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := model.Ref(args[0])
		if _, _, err := ref.Parse(); err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		trace := env.Ledger.TraceLineage(cmd.Context(), ref)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SEQ\tACTION\tINPUTS\tOUTPUTS\tCREATED")
		for e := range trace.Entries() {
			writeEntry(w, e)
		}
		_ = w.Flush()

		for _, warn := range trace.Warnings() {
			fmt.Fprintf(os.Stderr, "warning: %v\n", warn)
		}
		return trace.Err()
	},
}

var lineageExportCmd = &cobra.Command{
	Use:   "export <kind:id>",
	Short: "Write a self-contained SQLite audit pack for a reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Exporter.Export(cmd.Context(), model.Ref(args[0]), out)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s: %d entries, %d observations, %d raw objects, %d runs\n",
			sum.Path, sum.Entries, sum.Observations, sum.RawObjects, sum.Runs)
		for _, w := range sum.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	lineageExportCmd.Flags().String("out", "lineage.db", "output SQLite file (must not exist)")

	lineageCmd.AddCommand(lineageTraceCmd)
	lineageCmd.AddCommand(lineageExportCmd)
	rootCmd.AddCommand(lineageCmd)
}

func writeEntry(w io.Writer, e model.LedgerEntry) {
	_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
		e.Seq, e.Action,
		strings.Join(model.RefStrings(e.InputRefs), ","),
		strings.Join(model.RefStrings(e.OutputRefs), ","),
		e.CreatedAt.Format("2006-01-02 15:04"))
}
