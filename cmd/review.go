package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/model"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Draft content and move it through the approval pipeline",
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

var reviewCreateCmd = &cobra.Command{
	Use:   "create <item.json>",
	Short: "Create a draft content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n approval.NewItem
		if err := readJSONFile(args[0], &n); err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Content.Create(cmd.Context(), n)
		if err != nil {
			return err
		}
		fmt.Println(item.ID)
		return nil
	},
}

var reviewEvidenceCmd = &cobra.Command{
	Use:   "evidence <item-id> <claims.json>",
	Short: "Attach cited claims to a draft",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var claims []approval.Claim
		if err := readJSONFile(args[1], &claims); err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Content.AddEvidence(cmd.Context(), args[0], claims)
		if err != nil {
			return err
		}
		fmt.Printf("Added %d claims.\n", n)
		return nil
	},
}

var reviewUniquenessCmd = &cobra.Command{
	Use:   "uniqueness <item-id> <similarity-score>",
	Short: "Record an originality check result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil || score < 0 || score > 1 {
			return eris.Errorf("similarity score must be a number in [0, 1], got %q", args[1])
		}
		matched, _ := cmd.Flags().GetString("matched")

		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = env.Content.RecordUniquenessCheck(cmd.Context(), args[0], score, matched)
		return err
	},
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit <item-id>",
	Short: "Submit a draft for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Pipeline.Submit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (review version %d)\n", item.ID, item.Status, item.ReviewVersion)
		return nil
	},
}

var reviewRunCmd = &cobra.Command{
	Use:   "run-stage <item-id> [stage]",
	Short: "Run the automated check for a stage (default: the current stage)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		var stage model.Stage
		if len(args) == 2 {
			if stage, err = model.ParseStage(args[1]); err != nil {
				return err
			}
		} else {
			pos, err := env.Pipeline.CurrentStage(ctx, args[0])
			if err != nil {
				return err
			}
			if pos.Stage == "" {
				return eris.Errorf("%s has no stage to run (%s)", args[0], pos.State)
			}
			stage = pos.Stage
		}

		run, err := env.Pipeline.RunStage(ctx, args[0], stage)
		if err != nil {
			return err
		}
		formatAgentRuns(os.Stdout, []model.AgentRun{*run})
		return nil
	},
}

var reviewOutcomeCmd = &cobra.Command{
	Use:   "outcome <item-id> <stage> <result>",
	Short: "Record a human decision for a stage",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, err := model.ParseStage(args[1])
		if err != nil {
			return err
		}
		result, err := model.ParseStageResult(args[2])
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")
		note, _ := cmd.Flags().GetString("note")

		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.RecordOutcome(cmd.Context(), args[0], stage, result, by, note)
		if err != nil {
			return err
		}
		formatAgentRuns(os.Stdout, []model.AgentRun{*run})
		return nil
	},
}

var reviewStatusCmd = &cobra.Command{
	Use:   "status <item-id>",
	Short: "Show where an item stands and its stage history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		pos, err := env.Pipeline.CurrentStage(ctx, args[0])
		if err != nil {
			return err
		}
		runs, err := env.Pipeline.Runs(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s", pos.ContentItemID, pos.Status)
		if pos.Stage != "" {
			fmt.Printf(", stage %s", pos.Stage)
		}
		fmt.Printf(" (%s)\n", pos.State)
		if len(runs) > 0 {
			formatAgentRuns(os.Stdout, runs)
		}
		return nil
	},
}

var reviewRetractCmd = &cobra.Command{
	Use:   "retract <item-id> <reason>",
	Short: "Retract published content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()
		_, err = env.Content.Retract(cmd.Context(), args[0], args[1])
		return err
	},
}

var reviewArchiveCmd = &cobra.Command{
	Use:   "archive <item-id>",
	Short: "Archive content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()
		_, err = env.Content.Archive(cmd.Context(), args[0])
		return err
	},
}

func init() {
	reviewUniquenessCmd.Flags().String("matched", "", "id of the most similar existing item")
	reviewOutcomeCmd.Flags().String("by", currentUser(), "reviewer recorded on the decision")
	reviewOutcomeCmd.Flags().String("note", "", "decision note")

	reviewCmd.AddCommand(reviewCreateCmd)
	reviewCmd.AddCommand(reviewEvidenceCmd)
	reviewCmd.AddCommand(reviewUniquenessCmd)
	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewRunCmd)
	reviewCmd.AddCommand(reviewOutcomeCmd)
	reviewCmd.AddCommand(reviewStatusCmd)
	reviewCmd.AddCommand(reviewRetractCmd)
	reviewCmd.AddCommand(reviewArchiveCmd)
	rootCmd.AddCommand(reviewCmd)
}

func formatAgentRuns(out io.Writer, runs []model.AgentRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tATTEMPT\tAGENT\tRESULT\tSCORE\tAT")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f\t%s\n",
			r.Stage, r.Attempt, r.Agent, r.Result, r.Score, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
