package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is waiting to be synchronized",
	Long:  `Show the local trips and the operations saved offline that still have to be sent to the pod.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initFullContext()
	defer c.Close()

	cfg := c.Config
	fmt.Printf("Pod:     %s\n", cfg.PodURL)
	fmt.Printf("Device:  %s\n", cfg.DeviceID)
	if cfg.ProgramLabel != "" {
		fmt.Printf("Program: %s\n", cfg.ProgramLabel)
	}
	fmt.Printf("Network: %s\n", c.Network())

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	if cfg.ProgramLabel != "" {
		last, err := c.Ops.LastImportDate(cfg.ProgramLabel)
		if err != nil {
			exitError("failed to read last import date: %v", err)
		}
		fmt.Printf("Last import: %s\n", formatTime(last))
	}

	trips, err := c.Trips.LoadAllLocally(ctx)
	if err != nil {
		exitError("%v", err)
	}
	pending, err := c.Ops.PendingIDs()
	if err != nil {
		exitError("%v", err)
	}

	if len(trips) == 0 && len(pending) == 0 {
		green.Println("\nNothing to synchronize")
		return
	}

	if len(trips) > 0 {
		fmt.Println("\nLocal trips:")
		cyan.Println("  (use \"tripsync sync\" to send them to the pod)")
		fmt.Println()
		for _, t := range trips {
			yellow.Printf("        %-14s  %s  %s\n", idLabel(t.ID), t.ProgramLabel, formatTime(&t.DepartureDateTime))
		}
	}

	if len(pending) > 0 {
		fmt.Println("\nOperations saved offline:")
		cyan.Println("  (use \"tripsync sync\" once online)")
		fmt.Println()
		for _, id := range pending {
			yellow.Printf("        %s\n", idLabel(id))
		}
	}

	fmt.Printf("\n%d local trip(s), %d pending operation(s)\n", len(trips), len(pending))
}
