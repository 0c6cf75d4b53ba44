package main

import (
	"fmt"

	"github.com/gookit/color"
)

// healthColor renders "occupancy/hardCap" in green under the soft cap,
// yellow between soft and hard cap, and red at or above the hard cap.
func healthColor(occupancy, softCap, hardCap int) string {
	text := fmt.Sprintf("%d/%d", occupancy, hardCap)
	switch {
	case occupancy >= hardCap:
		return color.FgRed.Render(text)
	case occupancy >= softCap:
		return color.FgYellow.Render(text)
	default:
		return color.FgGreen.Render(text)
	}
}

// healthLabel colors an InstanceHealth value by severity.
func healthLabel(health string) string {
	switch health {
	case "Ready":
		return color.FgGreen.Render(health)
	case "Starting":
		return color.FgCyan.Render(health)
	case "Degraded":
		return color.FgYellow.Render(health)
	case "Draining", "Stopped":
		return color.FgRed.Render(health)
	default:
		return health
	}
}
