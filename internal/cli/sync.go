package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [trip-id...]",
	Short: "Send local trips and offline operations to the pod",
	Long: `Send the operations saved offline on synchronized trips, then the local trips
with their operations. Without arguments every local trip is sent; trips whose
operations are children of operations of another local trip are retried after
that trip.`,
	Run: runSync,
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initFullContext()
	defer c.Close()

	network := c.Network()
	if network.Offline() {
		exitError("cannot synchronize while offline")
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	sent, err := c.Ops.SynchronizePending(ctx, network)
	if err != nil {
		exitError("%v", err)
	}
	if sent > 0 {
		green.Printf("Sent %d pending operation(s)\n", sent)
	}

	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}
	if len(ids) == 0 {
		trips, err := c.Trips.LoadAllLocally(ctx)
		if err != nil {
			exitError("%v", err)
		}
		for _, t := range trips {
			ids = append(ids, t.ID)
		}
	}

	failed := syncTrips(ctx, c.Trips, ids, network, func(local int64, trip *models.Trip) {
		green.Printf("Trip %s synchronized as %d\n", idLabel(local), trip.ID)
	})
	for id, err := range failed {
		yellow.Printf("Trip %s not synchronized: %v\n", idLabel(id), err)
	}
	if len(failed) > 0 {
		exitError("%d trip(s) not synchronized", len(failed))
	}
	if sent == 0 && len(ids) == 0 {
		fmt.Println("Nothing to synchronize")
	}
}

// syncTrips synchronizes trips, retrying the ones that failed because a
// parent operation lives on a trip not sent yet as long as a pass makes
// progress.
func syncTrips(ctx context.Context, trips *core.TripService, ids []int64, network models.NetworkState, done func(local int64, trip *models.Trip)) map[int64]error {
	failed := make(map[int64]error)
	queue := ids
	for len(queue) > 0 {
		var retry []int64
		for _, id := range queue {
			trip, err := trips.SynchronizeByID(ctx, id, network)
			switch {
			case err == nil:
				delete(failed, id)
				done(id, trip)
			case errors.Is(err, core.ErrSynchronizeChildBeforeParent):
				failed[id] = err
				retry = append(retry, id)
			default:
				failed[id] = err
			}
		}
		if len(retry) == len(queue) {
			break
		}
		queue = retry
	}
	return failed
}
