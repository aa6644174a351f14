package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

var contradictionsCmd = &cobra.Command{
	Use:     "contradictions",
	Aliases: []string{"cx"},
	Short:   "Detect and resolve cross-source disagreements",
}

var cxDetectCmd = &cobra.Command{
	Use:   "detect <indicator> <geo> <from> [to]",
	Short: "Check groups for disagreement beyond the variance threshold",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := model.ParseDay(args[2])
		if err != nil {
			return err
		}
		to := from
		if len(args) == 4 {
			if to, err = model.ParseDay(args[3]); err != nil {
				return err
			}
		}
		asOf, err := asOfFlag(cmd)
		if err != nil {
			return err
		}
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var dets []contradiction.Detection
		if to.Equal(from) {
			key := observation.GroupKey{Indicator: args[0], Geo: args[1], ObsDate: from}
			dets, err = env.Detector.Detect(cmd.Context(), key, asOf, threshold)
		} else {
			dets, err = env.Detector.DetectRange(cmd.Context(), args[0], args[1], from, to, asOf, threshold)
		}
		if err != nil {
			return err
		}
		if len(dets) == 0 {
			fmt.Fprintln(os.Stderr, "No contradictions.")
			return nil
		}
		formatDetections(os.Stdout, dets)
		return nil
	},
}

var cxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contradictions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var f contradiction.Filter
		status, _ := cmd.Flags().GetString("status")
		f.Status = model.ContradictionStatus(status)
		f.Indicator, _ = cmd.Flags().GetString("indicator")
		f.Geo, _ = cmd.Flags().GetString("geo")
		f.Limit, _ = cmd.Flags().GetInt("limit")

		out, err := env.Contradictions.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Fprintln(os.Stderr, "No contradictions found.")
			return nil
		}
		formatContradictions(os.Stdout, out)
		return nil
	},
}

var cxShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a contradiction and its resolutions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Contradictions.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		res, err := env.Contradictions.Resolutions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(struct {
			*model.Contradiction
			Resolutions []model.ContradictionResolution `json:"resolutions"`
		}{c, res})
	},
}

func closeCmd(use, short string, dismiss bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <id> <text>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			env, err := initApp(cmd.Context(), "store")
			if err != nil {
				return err
			}
			defer env.Close()

			var res *model.ContradictionResolution
			if dismiss {
				res, err = env.Resolver.Dismiss(cmd.Context(), args[0], args[1], by)
			} else {
				res, err = env.Resolver.Resolve(cmd.Context(), args[0], args[1], by)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s cycle %d %s\n", res.ContradictionID, res.Cycle, res.Outcome)
			return nil
		},
	}
	c.Flags().String("by", currentUser(), "reviewer recorded on the resolution")
	return c
}

var cxReopenCmd = &cobra.Command{
	Use:   "reopen <id> <reason>",
	Short: "Reopen a resolved or dismissed contradiction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Resolver.Reopen(cmd.Context(), args[0], args[1], by)
		if err != nil {
			return err
		}
		fmt.Printf("%s reopened, cycle %d\n", c.ID, c.Cycle)
		return nil
	},
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func init() {
	cxDetectCmd.Flags().Float64("threshold", 0, "relative deviation threshold (default from config)")
	cxDetectCmd.Flags().String("as-of", "", "knowledge date YYYY-MM-DD (default today)")

	cxListCmd.Flags().String("status", "open", "filter by status (open, resolved, dismissed, empty for all)")
	cxListCmd.Flags().String("indicator", "", "filter by indicator")
	cxListCmd.Flags().String("geo", "", "filter by geography")
	cxListCmd.Flags().Int("limit", 100, "max number to display")

	cxReopenCmd.Flags().String("by", currentUser(), "who reopened it")

	contradictionsCmd.AddCommand(cxDetectCmd)
	contradictionsCmd.AddCommand(cxListCmd)
	contradictionsCmd.AddCommand(cxShowCmd)
	contradictionsCmd.AddCommand(closeCmd("resolve", "Close a contradiction with a resolution", false))
	contradictionsCmd.AddCommand(closeCmd("dismiss", "Close a contradiction as not a real disagreement", true))
	contradictionsCmd.AddCommand(cxReopenCmd)
	rootCmd.AddCommand(contradictionsCmd)
}

func formatDetections(out io.Writer, dets []contradiction.Detection) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATE\tDEVIATION\tTHRESHOLD\tOBSERVATIONS\tNEW")
	for _, d := range dets {
		c := d.Contradiction
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%d\t%t\n",
			truncateID(c.ID), c.ObsDate.Format(time.DateOnly), c.MaxDeviation, c.Threshold,
			len(c.ObservationIDs), d.New)
	}
	_ = w.Flush()
}

func formatContradictions(out io.Writer, cs []model.Contradiction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINDICATOR\tGEO\tDATE\tDEVIATION\tSTATUS\tCYCLE\tDETECTED")
	for _, c := range cs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%s\t%d\t%s\n",
			truncateID(c.ID), c.Indicator, c.Geo, c.ObsDate.Format(time.DateOnly),
			c.MaxDeviation, c.Status, c.Cycle, c.DetectedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
