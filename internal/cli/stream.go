package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arkilian/orderlake/internal/config"
	"github.com/arkilian/orderlake/internal/stream"
)

func newStreamCommand(g *globals, stdout io.Writer) *cobra.Command {
	var (
		once      bool
		untilIdle bool
		landing   string
		queries   []string
	)
	ccmd := &cobra.Command{
		Use:   "stream",
		Short: "Run the streaming queries",
		Long: `
Consumes JSON order files from the landing directory. Without flags the
queries run on their trigger interval until interrupted, with the status
servers up. --once runs a single micro-batch per query, --until-idle runs
micro-batches until no unprocessed file remains.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if once && untilIdle {
				return fmt.Errorf("--once and --until-idle are mutually exclusive")
			}
			if landing != "" {
				g.cfg.Stream.LandingDir = landing
			}
			if len(queries) > 0 {
				g.cfg.Stream.Queries = queries
			}
			g.cfg.Mode = config.ModeStream
			a, err := g.open()
			if err != nil {
				return err
			}
			if !once && !untilIdle {
				return a.Serve(commandContext(cmd))
			}
			defer a.Close()

			m, err := a.Streams(commandContext(cmd))
			if err != nil {
				return err
			}
			if once {
				err = m.RunOnce(commandContext(cmd))
			} else {
				err = m.RunUntilIdle(commandContext(cmd))
			}
			printStreamStatus(stdout, m.Status())
			return err
		},
	}
	flags := ccmd.Flags()
	flags.BoolVar(&once, "once", false, "run one micro-batch per query and exit")
	flags.BoolVar(&untilIdle, "until-idle", false, "run until every landed file is processed and exit")
	flags.StringVar(&landing, "landing-dir", "", "directory watched for new files")
	flags.StringSliceVar(&queries, "query", nil, "queries to run: orders, line_items")
	return ccmd
}

func printStreamStatus(w io.Writer, statuses []stream.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUERY\tTABLE\tSTATE\tFILES\tROWS\tDUPLICATES\tLAST ERROR")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.Query, s.Table, s.State, s.FilesProcessed, s.RowsCommitted, s.Duplicates, s.LastError)
	}
	tw.Flush()
}
