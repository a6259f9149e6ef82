package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [operation-id...]",
	Short: "Delete operations",
	Long: `Delete operations. Local operations are moved to the trash (or purged with
--purge); synchronized ones are deleted on the pod. The parent or child of a
deleted operation is unlinked.

Examples:
  tripsync delete -4 -5
  tripsync delete 1203
  tripsync delete --trip -2 --purge`,
	Run: runDelete,
}

var (
	deleteTripID int64
	deletePurge  bool
)

func init() {
	deleteCmd.Flags().Int64Var(&deleteTripID, "trip", 0, "Delete every local operation of this local trip")
	deleteCmd.Flags().BoolVar(&deletePurge, "purge", false, "Do not keep local operations in the trash")
}

func runDelete(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initFullContext()
	defer c.Close()

	opts := core.DeleteOptions{Network: c.Network(), Purge: deletePurge}

	if deleteTripID != 0 {
		if len(args) > 0 {
			exitError("--trip cannot be combined with operation ids")
		}
		filter := &models.OperationFilter{TripID: models.Int64(deleteTripID)}
		if err := c.Ops.DeleteAllLocallyByFilter(ctx, filter, opts); err != nil {
			exitError("%v", err)
		}
		fmt.Printf("Deleted the local operations of trip %s\n", idLabel(deleteTripID))
		return
	}

	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}
	if len(ids) == 0 {
		exitError("no operation given")
	}

	ops := make([]*models.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := c.Ops.Load(ctx, id, core.LoadOptions{Network: opts.Network})
		if err != nil {
			exitError("%v", err)
		}
		ops = append(ops, op)
	}
	if err := c.Ops.DeleteAll(ctx, ops, opts); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted %d operation(s)\n", len(ops))
}
