package main

import (
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

type persistenceResponse struct {
	BufferedEntries int `json:"bufferedEntries"`
}

func newPersistenceCmd(baseURL *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "persistence",
		Short: "Show PersistenceWorker's buffered write count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats persistenceResponse
			if err := fetchJSON(*baseURL, *timeout, "/runtime/persistence", &stats); err != nil {
				return err
			}
			cmd.Printf("%s %d\n", color.FgCyan.Render("buffered entries:"), stats.BufferedEntries)
			return nil
		},
	}
}
