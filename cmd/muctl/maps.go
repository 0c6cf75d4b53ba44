package main

import (
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"muruntime/internal/directory"
)

func newMapsCmd(baseURL *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "maps",
		Short: "List every live MapInstance with its load and health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var instances []directory.InstanceSnapshot
			if err := fetchJSON(*baseURL, *timeout, "/runtime/maps", &instances); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Instance", "World", "Entry Point", "Map Kind", "Occupancy", "P95 Load (ms)", "Health"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)

			for _, inst := range instances {
				table.Append([]string{
					string(inst.Route.InstanceID),
					inst.Route.World,
					inst.Route.EntryPoint,
					inst.Route.MapKind,
					healthColor(inst.Occupancy, inst.SoftCap, inst.HardCap),
					strconv.FormatFloat(inst.LoadP95Ms, 'f', 1, 64),
					healthLabel(string(inst.Health)),
				})
			}
			table.Render()
			return nil
		},
	}
}
