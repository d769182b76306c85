package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arkilian/orderlake/internal/table"
	"github.com/arkilian/orderlake/pkg/types"
)

func newTablesCommand(g *globals, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables with their current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)
			if err := a.Open(ctx); err != nil {
				return err
			}
			infos, err := a.Engine().Tables(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tVERSION\tROWS\tSEGMENTS\tCOMMITS\tPARTITIONED BY")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", info.Name, info.Version, info.RowCount,
					info.SegmentCount, info.CommitCount, strings.Join(info.Partitioning.Columns, ","))
			}
			return tw.Flush()
		},
	}
}

func newScanCommand(g *globals, stdout io.Writer) *cobra.Command {
	var (
		limit      int
		partitions map[string]string
		key        string
	)
	ccmd := &cobra.Command{
		Use:   "scan <table>",
		Short: "Print table rows as JSON lines",
		Long: `
Prints the rows of a table, one JSON object per line. --partition restricts
the scan to matching partitions and --key looks up rows by the key column.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)
			if err := a.Open(ctx); err != nil {
				return err
			}

			name := args[0]
			info, err := a.Engine().Describe(ctx, name)
			if err != nil {
				return err
			}
			var rows []types.Row
			if key != "" {
				rows, err = a.Engine().Lookup(ctx, name, key)
			} else {
				rows, err = a.Engine().Scan(ctx, name, table.ScanFilter{Partitions: partitions})
			}
			if err != nil {
				return err
			}
			return writeRows(stdout, info.Schema, rows, limit)
		},
	}
	flags := ccmd.Flags()
	flags.IntVar(&limit, "limit", 0, "maximum rows to print, 0 for all")
	flags.StringToStringVar(&partitions, "partition", nil, "partition filter, column=value")
	flags.StringVar(&key, "key", "", "key column value to look up")
	return ccmd
}

func writeRows(w io.Writer, schema *types.Schema, rows []types.Row, limit int) error {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	names := schema.Names()
	enc := json.NewEncoder(w)
	for _, row := range rows {
		obj := make(map[string]any, len(names))
		for i, n := range names {
			obj[n] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	return nil
}
