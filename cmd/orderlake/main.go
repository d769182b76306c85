// Command orderlake loads historical and streaming orders into
// append-only tables.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/arkilian/orderlake/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.Version, cli.Commit = version, commit
	rc := cli.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rc.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
