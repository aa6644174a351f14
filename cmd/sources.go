package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source registry",
}

var sourcesRegisterCmd = &cobra.Command{
	Use:   "register <catalog.yaml>",
	Short: "Register or refresh sources from a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcs, err := evidence.LoadCatalog(args[0])
		if err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Sources.Register(cmd.Context(), srcs)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %d of %d sources.\n", n, len(srcs))
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		active, _ := cmd.Flags().GetBool("active")
		srcs, err := env.Sources.List(cmd.Context(), active)
		if err != nil {
			return err
		}
		if len(srcs) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}
		formatSources(os.Stdout, srcs)
		return nil
	},
}

var sourcesDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List active sources due for a new ingestion cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		due, err := env.Sources.Due(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		if len(due) == 0 {
			fmt.Fprintln(os.Stderr, "No sources due.")
			return nil
		}
		formatDue(os.Stdout, due)
		return nil
	},
}

var sourcesSetTierCmd = &cobra.Command{
	Use:   "set-tier <source-id> <tier>",
	Short: "Change a source's reliability tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, err := model.ParseTier(args[1])
		if err != nil {
			return err
		}
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()
		return env.Sources.SetTier(cmd.Context(), args[0], tier)
	},
}

func statusCmd(use, short string, status model.SourceStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initApp(cmd.Context(), "store")
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.Sources.SetStatus(cmd.Context(), args[0], status); err != nil {
				return eris.Wrapf(err, "sources %s", use)
			}
			return nil
		},
	}
}

func init() {
	sourcesListCmd.Flags().Bool("active", false, "only list active sources")

	sourcesCmd.AddCommand(sourcesRegisterCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesDueCmd)
	sourcesCmd.AddCommand(sourcesSetTierCmd)
	sourcesCmd.AddCommand(statusCmd("deactivate", "Stop accepting runs for a source", model.SourceInactive))
	sourcesCmd.AddCommand(statusCmd("activate", "Accept runs for a source again", model.SourceActive))
	rootCmd.AddCommand(sourcesCmd)
}

// formatSources writes a tabular list of sources to out.
func formatSources(out io.Writer, srcs []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTIER\tSTATUS\tCADENCE")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t-------")
	for _, s := range srcs {
		name := s.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, name, s.Tier, s.Status, s.Cadence)
	}
	_ = w.Flush()
}

func formatDue(out io.Writer, due []evidence.DueSource) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCADENCE\tLAST_SUCCESS")
	for _, d := range due {
		last := "never"
		if d.LastSuccess != nil {
			last = d.LastSuccess.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Source.ID, d.Source.Cadence, last)
	}
	_ = w.Flush()
}
