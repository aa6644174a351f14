package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Query series and bitemporal observations",
}

var observeSeriesCmd = &cobra.Command{
	Use:   "series",
	Short: "List series",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var f observation.SeriesFilter
		f.Indicator, _ = cmd.Flags().GetString("indicator")
		f.Geo, _ = cmd.Flags().GetString("geo")
		f.SourceID, _ = cmd.Flags().GetString("source")

		series, err := env.Observations.ListSeries(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(series) == 0 {
			fmt.Fprintln(os.Stderr, "No series found.")
			return nil
		}
		formatSeries(os.Stdout, series)
		return nil
	},
}

var observeAsOfCmd = &cobra.Command{
	Use:   "asof <series-id> <obs-date>",
	Short: "Show the value known for a date as of a point in time",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		obsDate, err := model.ParseDay(args[1])
		if err != nil {
			return err
		}
		asOf, err := asOfFlag(cmd)
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		obs, err := env.Observations.AsOf(cmd.Context(), args[0], obsDate, asOf)
		if err != nil {
			return err
		}
		return printJSON(obs)
	},
}

var observeHistoryCmd = &cobra.Command{
	Use:   "history <series-id> <obs-date>",
	Short: "Show every vintage and revision of one date",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		obsDate, err := model.ParseDay(args[1])
		if err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		hist, err := env.Observations.History(cmd.Context(), args[0], obsDate)
		if err != nil {
			return err
		}
		formatHistory(os.Stdout, hist)
		return nil
	},
}

var observeGapsCmd = &cobra.Command{
	Use:   "gaps <series-id> <from> <to>",
	Short: "List expected dates with no value",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := model.ParseDay(args[1])
		if err != nil {
			return err
		}
		to, err := model.ParseDay(args[2])
		if err != nil {
			return err
		}
		asOf, err := asOfFlag(cmd)
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		gaps, err := env.Observations.Gaps(cmd.Context(), args[0], from, to, asOf)
		if err != nil {
			return err
		}
		for _, d := range gaps {
			fmt.Println(d.Format(time.DateOnly))
		}
		return nil
	},
}

func asOfFlag(cmd *cobra.Command) (time.Time, error) {
	v, _ := cmd.Flags().GetString("as-of")
	if v == "" {
		return time.Now().UTC(), nil
	}
	return model.ParseDay(v)
}

func init() {
	observeSeriesCmd.Flags().String("indicator", "", "filter by indicator")
	observeSeriesCmd.Flags().String("geo", "", "filter by geography")
	observeSeriesCmd.Flags().String("source", "", "filter by source id")

	observeAsOfCmd.Flags().String("as-of", "", "knowledge date YYYY-MM-DD (default today)")
	observeGapsCmd.Flags().String("as-of", "", "knowledge date YYYY-MM-DD (default today)")

	observeCmd.AddCommand(observeSeriesCmd)
	observeCmd.AddCommand(observeAsOfCmd)
	observeCmd.AddCommand(observeHistoryCmd)
	observeCmd.AddCommand(observeGapsCmd)
	rootCmd.AddCommand(observeCmd)
}

func formatSeries(out io.Writer, series []model.Series) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINDICATOR\tGEO\tREGIME\tSOURCE\tFREQ\tUNIT")
	for _, s := range series {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(s.ID), s.Indicator, s.Geo, s.Regime, s.SourceID, s.Frequency, s.Unit)
	}
	_ = w.Flush()
}

// formatHistory writes revisions oldest vintage first.
func formatHistory(out io.Writer, hist []model.Observation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VINTAGE\tREV\tVALUE\tRUN\tRECORDED")
	for _, o := range hist {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%g\t%s\t%s\n",
			o.VintageDate.Format(time.DateOnly), o.RevisionNo, o.Value, truncateID(o.RunID),
			o.RecordedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
