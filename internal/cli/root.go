// Package cli implements the orderlake command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arkilian/orderlake/internal/app"
	"github.com/arkilian/orderlake/internal/config"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configFile string
	envFile    string
	dataDir    string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

// NewRootCommand builds the orderlake command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}
	rc := &cobra.Command{
		Use:   "orderlake",
		Short: "orderlake loads historical and streaming orders into append-only tables.",
		Long: `orderlake loads historical and streaming orders into append-only tables.

The batch command loads the 2017, 2018 and 2019 order files into one
canonical table. The stream command consumes JSON order files as they land
and appends orders and line items exactly once. serve runs both behind an
HTTP status API and a gRPC health service.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	flags := rc.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "configuration file (YAML or JSON)")
	flags.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flags.StringVar(&g.dataDir, "data-dir", "", "base directory for all data files")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "log format: json, console")

	rc.AddCommand(newBatchCommand(g, stdout))
	rc.AddCommand(newStreamCommand(g, stdout))
	rc.AddCommand(newServeCommand(g))
	rc.AddCommand(newTablesCommand(g, stdout))
	rc.AddCommand(newScanCommand(g, stdout))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// load resolves configuration from the config file, the dotenv file, the
// environment and the flags, in increasing priority.
func (g *globals) load() error {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", g.envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(g.configFile); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	g.cfg = cfg
	return nil
}

// open builds the app for a subcommand. The caller closes it.
func (g *globals) open() (*app.App, error) {
	return app.New(g.cfg)
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(stdout, "orderlake version %s (commit: %s)\n", Version, Commit)
			return nil
		},
	}
}

// commandContext returns the context the command was executed with.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
