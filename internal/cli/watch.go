package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [operation-id]",
	Short: "Follow changes of an operation or a trip",
	Long: `Follow the changes made on the pod to one operation, or with --trip print the
operation list of a trip again each time it changes. Stop with Ctrl-C.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runWatch,
}

var watchTripID int64

func init() {
	watchCmd.Flags().Int64Var(&watchTripID, "trip", 0, "Watch the operation list of this trip")
}

func runWatch(cmd *cobra.Command, args []string) {
	c := initFullContext()
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case watchTripID != 0:
		watchTrip(ctx, c, watchTripID)
	case len(args) == 1:
		ids, err := parseIDs(args)
		if err != nil {
			exitError("%v", err)
		}
		watchOperation(ctx, c, ids[0])
	default:
		exitError("an operation id or --trip is required")
	}
}

func watchOperation(ctx context.Context, c *cmdContext, id int64) {
	if models.IsLocalID(id) {
		exitError("operation %d only exists on this device", id)
	}
	changes, err := c.Ops.ListenChanges(ctx, id, c.Config.SubscriptionInterval.Duration)
	if err != nil {
		exitError("%v", err)
	}
	cyan := color.New(color.FgCyan)
	cyan.Printf("Watching operation %d (every %s)\n", id, c.Config.SubscriptionInterval)
	for op := range changes {
		fmt.Printf("%s  updated %s\n", time.Now().Format("15:04:05"), formatTime(op.UpdateDate))
		printOperation(op)
	}
}

func watchTrip(ctx context.Context, c *cmdContext, tripID int64) {
	filter := &models.OperationFilter{TripID: models.Int64(tripID)}
	pages, errc := c.Ops.WatchAll(ctx, models.Page{}, filter, core.WatchOptions{Network: c.Network()})
	for {
		select {
		case page, ok := <-pages:
			if !ok {
				return
			}
			fmt.Printf("\n%s  %d operation(s)\n", time.Now().Format("15:04:05"), page.Total)
			printOperationHeader()
			for _, op := range page.Data {
				printOperation(op)
			}
		case err, ok := <-errc:
			if ok && err != nil {
				exitError("%v", err)
			}
			errc = nil
		}
	}
}
