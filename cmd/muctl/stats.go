package main

import (
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

type statsResponse struct {
	ServerTimeMs int64 `json:"serverTimeMs"`
	Sessions     int   `json:"sessions"`
	Instances    int   `json:"instances"`
	Connections  *int  `json:"connections,omitempty"`
}

func newStatsCmd(baseURL *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session, instance, and connection counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats statsResponse
			if err := fetchJSON(*baseURL, *timeout, "/runtime/stats", &stats); err != nil {
				return err
			}

			cmd.Printf("%s %d\n", color.FgCyan.Render("sessions:"), stats.Sessions)
			cmd.Printf("%s %d\n", color.FgCyan.Render("instances:"), stats.Instances)
			if stats.Connections != nil {
				cmd.Printf("%s %d\n", color.FgCyan.Render("connections:"), *stats.Connections)
			}
			cmd.Printf("%s %s\n", color.FgCyan.Render("server time:"), time.UnixMilli(stats.ServerTimeMs).Format(time.RFC3339))
			return nil
		},
	}
}
