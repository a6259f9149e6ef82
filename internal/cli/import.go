package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Copy open parent operations for offline use",
	Long: `Copy the parent operations of a program that can still get a child onto this
device, so child operations can be linked to them while offline.

Examples:
  tripsync import
  tripsync import --program SIH --days 30`,
	Run: runImport,
}

var (
	importProgram string
	importDays    int
	importVessel  int64
)

func init() {
	importCmd.Flags().StringVar(&importProgram, "program", "", "Program label (defaults to the configured one)")
	importCmd.Flags().IntVar(&importDays, "days", 0, "Only operations of the last days (defaults to import_days)")
	importCmd.Flags().Int64Var(&importVessel, "vessel", 0, "Only operations of this vessel")
}

func runImport(cmd *cobra.Command, args []string) {
	c := initFullContext()
	defer c.Close()

	label := importProgram
	if label == "" {
		label = c.Config.ProgramLabel
	}
	if label == "" {
		exitError("--program is required (or set program_label)")
	}
	days := importDays
	if days <= 0 {
		days = c.Config.ImportDays
	}

	filter := &models.OperationFilter{ProgramLabel: label}
	if importVessel != 0 {
		filter.VesselID = models.Int64(importVessel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progression := core.NewProgression()
	go func() {
		<-ctx.Done()
		progression.Cancel()
	}()

	fmt.Printf("Importing parent operations of %s...\n", label)
	progress, errc := c.Ops.ExecuteImport(ctx, filter, core.ImportOptions{
		Network:     c.Network(),
		Progression: progression,
		ImportDays:  days,
	})
	for v := range progress {
		fmt.Printf("\r  %3d%%", v)
	}
	fmt.Println()

	if err := <-errc; err != nil {
		if errors.Is(err, core.ErrImportCancelled) {
			color.New(color.FgYellow).Println("Import cancelled")
			return
		}
		exitError("%v", err)
	}
	color.New(color.FgGreen).Println("Import done")
}
