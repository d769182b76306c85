package cli

import (
	"github.com/spf13/cobra"

	"github.com/arkilian/orderlake/internal/config"
)

func newServeCommand(g *globals) *cobra.Command {
	var (
		mode     string
		httpAddr string
		grpcAddr string
	)
	ccmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch load and the streaming queries behind the status servers",
		Long: `
Runs the workloads selected by --mode: all runs the batch load and then the
streaming queries, batch only the load, stream only the queries. The HTTP
status API and the gRPC health service stay up until SIGINT or SIGTERM.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				g.cfg.Mode = config.Mode(mode)
			}
			if httpAddr != "" {
				g.cfg.HTTP.Addr = httpAddr
			}
			if grpcAddr != "" {
				g.cfg.GRPC.Addr = grpcAddr
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			return a.Serve(commandContext(cmd))
		},
	}
	flags := ccmd.Flags()
	flags.StringVar(&mode, "mode", "", "workloads to run: all, batch, stream")
	flags.StringVar(&httpAddr, "http-addr", "", "HTTP status API address")
	flags.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health service address")
	return ccmd
}
