// Command muctl is the operator CLI: it polls a running muserver's
// httpapi surface and renders the result as a table.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var baseURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "muctl",
		Short: "Inspect a running muserver instance",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "muserver base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	cmd.AddCommand(newWorldsCmd(&baseURL, &timeout))
	cmd.AddCommand(newMapsCmd(&baseURL, &timeout))
	cmd.AddCommand(newStatsCmd(&baseURL, &timeout))
	cmd.AddCommand(newPersistenceCmd(&baseURL, &timeout))
	return cmd
}
