// Command muserver runs the game-server runtime process: the serve
// subcommand starts CoreRuntime and its HTTP/websocket surface, migrate
// applies the characters schema, and replay-wal reports the write-ahead
// log's uncommitted tail without applying it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "muserver",
		Short: "The game-server runtime",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newReplayWALCmd(&configPath))
	return cmd
}
