package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the operations of a trip or program",
	Long: `List operations, merging the ones saved on this device with the ones of the pod.

Examples:
  tripsync list --trip 1204
  tripsync list --trip -3 --desc
  tripsync list --program SIH --parents --near 47.5,-3.2`,
	Run: runList,
}

var (
	listTripID      int64
	listProgram     string
	listParents     bool
	listSortBy      string
	listDesc        bool
	listOffset      int
	listSize        int
	listWithOffline bool
	listRefresh     bool
)

func init() {
	f := listCmd.Flags()
	f.Int64Var(&listTripID, "trip", 0, "Trip id (negative for a local trip)")
	f.StringVar(&listProgram, "program", "", "Program label (defaults to the configured one when no trip is given)")
	f.BoolVar(&listParents, "parents", false, "Only operations that can still get a child")
	f.StringVar(&listSortBy, "sort", "", "Sort field (endDateTime by default)")
	f.BoolVar(&listDesc, "desc", false, "Sort descending")
	f.IntVar(&listOffset, "offset", 0, "Page offset")
	f.IntVar(&listSize, "size", 0, "Page size")
	f.BoolVar(&listWithOffline, "with-offline", false, "Add the operations saved on this device")
	f.BoolVar(&listRefresh, "refresh", false, "Bypass the query cache")
	f.StringVar(&nearFlag, "near", "", "Sort by distance to lat,lon")
}

func listFilter(programDefault string) *models.OperationFilter {
	filter := &models.OperationFilter{}
	if listTripID != 0 {
		filter.TripID = models.Int64(listTripID)
	}
	filter.ProgramLabel = listProgram
	if filter.ProgramLabel == "" && listTripID == 0 {
		filter.ProgramLabel = programDefault
	}
	if listParents {
		filter.ExcludeChildOperation = true
		filter.HasNoChildOperation = true
	}
	return filter
}

func runList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initFullContext()
	defer c.Close()

	filter := listFilter(c.Config.ProgramLabel)
	if filter.TripID == nil && filter.ProgramLabel == "" {
		exitError("--trip or --program is required")
	}

	page := models.Page{Offset: listOffset, Size: listSize, SortBy: listSortBy, SortDirection: models.SortAsc}
	if listDesc {
		page.SortDirection = models.SortDesc
	}
	opts := core.WatchOptions{
		Network:        c.Network(),
		WithOffline:    listWithOffline,
		SortByDistance: nearFlag != "",
	}
	if listRefresh {
		opts.FetchPolicy = remote.NetworkOnly
	}

	res, err := c.Ops.LoadAll(ctx, page, filter, opts)
	if err != nil {
		exitError("%v", err)
	}

	if len(res.Data) == 0 {
		fmt.Println("No operations")
		return
	}
	printOperationHeader()
	for _, op := range res.Data {
		printOperation(op)
	}
	fmt.Printf("\n%d of %d operation(s)\n", len(res.Data), res.Total)
}
