package main

import (
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"muruntime/internal/directory"
)

type worldMapEntry struct {
	MapKind   string                       `json:"mapKind"`
	Instances []directory.InstanceSnapshot `json:"instances"`
}

type worldEntry struct {
	World string          `json:"world"`
	Maps  []worldMapEntry `json:"maps"`
}

func newWorldsCmd(baseURL *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "worlds",
		Short: "List every world's map kinds and instance occupancy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var worlds []worldEntry
			if err := fetchJSON(*baseURL, *timeout, "/runtime/worlds", &worlds); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"World", "Map Kind", "Instance", "Occupancy", "Health"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)

			for _, world := range worlds {
				for _, mapKind := range world.Maps {
					for _, inst := range mapKind.Instances {
						table.Append([]string{
							world.World,
							mapKind.MapKind,
							string(inst.Route.InstanceID),
							healthColor(inst.Occupancy, inst.SoftCap, inst.HardCap),
							healthLabel(string(inst.Health)),
						})
					}
				}
			}
			table.Render()
			return nil
		},
	}
}
