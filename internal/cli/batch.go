package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arkilian/orderlake/internal/config"
	"github.com/arkilian/orderlake/internal/pipeline"
)

func newBatchCommand(g *globals, stdout io.Writer) *cobra.Command {
	var (
		dir    string
		table  string
		policy string
	)
	ccmd := &cobra.Command{
		Use:   "batch",
		Short: "Load the historical order files",
		Long: `
Loads the 2017 fixed-width, 2018 tab-separated and 2019 comma-separated
order files into one table. The table is replaced by the first file and
appended by the others, so a rerun yields the same table.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				g.cfg.Batch.Dir = dir
			}
			if table != "" {
				g.cfg.Batch.Table = table
			}
			if policy != "" {
				g.cfg.Batch.ParseFailurePolicy = config.ParseFailurePolicy(policy)
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.RunBatch(commandContext(cmd))
			if report != nil {
				printBatchReport(stdout, report)
			}
			return err
		},
	}
	flags := ccmd.Flags()
	flags.StringVar(&dir, "dir", "", "directory holding the historical files")
	flags.StringVar(&table, "table", "", "destination table")
	flags.StringVar(&policy, "parse-failure-policy", "", "fail_file or skip_and_log")
	return ccmd
}

func printBatchReport(w io.Writer, r *pipeline.BatchReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROWS\tSKIPPED\tVERSION\tCOMMIT\tATTEMPTS")
	for _, s := range r.Steps {
		commit := s.CommitID
		if s.Duplicate {
			commit += " (duplicate)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\n", s.File, s.Rows, s.Skipped, s.Version, commit, s.Attempts)
	}
	tw.Flush()
	fmt.Fprintf(w, "%s: %d rows in %s\n", r.Table, r.Rows(), r.Duration)
}
