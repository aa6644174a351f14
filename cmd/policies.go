package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/model"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage per content-type approval thresholds",
}

var policiesLoadCmd = &cobra.Command{
	Use:   "load [policies.yaml]",
	Short: "Upsert policies from a YAML file (default approval.policies_file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Approval.PoliciesFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return eris.New("no policies file given and approval.policies_file is empty")
		}
		pols, err := approval.LoadFile(path)
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, p := range pols {
			if err := env.Policies.Put(cmd.Context(), p); err != nil {
				return err
			}
		}
		fmt.Printf("Loaded %d policies.\n", len(pols))
		return nil
	},
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored policies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		pols, err := env.Policies.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(pols) == 0 {
			fmt.Fprintln(os.Stderr, "No stored policies, defaults apply.")
			return nil
		}
		formatPolicies(os.Stdout, pols)
		return nil
	},
}

func init() {
	policiesCmd.AddCommand(policiesLoadCmd)
	policiesCmd.AddCommand(policiesListCmd)
	rootCmd.AddCommand(policiesCmd)
}

func formatPolicies(out io.Writer, pols []model.ApprovalPolicy) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tMIN_CITATIONS\tCOVERAGE\tMAX_SIMILARITY\tMAX_VARIANCE\tSKIPPABLE\tOVERRIDE")
	for _, p := range pols {
		skippable := make([]string, len(p.SkippableStages))
		for i, s := range p.SkippableStages {
			skippable[i] = string(s)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%s\t%t\n",
			p.ContentType, p.MinCitations, p.MinEvidenceCoverage, p.MaxSimilarityScore,
			p.MaxVarianceFlag, strings.Join(skippable, ","), p.AllowFailOverride)
	}
	_ = w.Flush()
}
