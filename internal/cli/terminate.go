package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/core"
	"github.com/spf13/cobra"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate <operation-id>",
	Short: "Control an operation",
	Long: `Mark an operation as controlled. An operation whose trip progress is 0 is
flagged as bad, with its comments as qualification comments.`,
	Args: cobra.ExactArgs(1),
	Run:  runTerminate,
}

func runTerminate(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initFullContext()
	defer c.Close()

	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}
	network := c.Network()

	op, err := c.Ops.Load(ctx, ids[0], core.LoadOptions{Network: network})
	if err != nil {
		exitError("%v", err)
	}
	op, err = c.Ops.Terminate(ctx, op, core.SaveOptions{Network: network})
	if err != nil {
		exitError("%v", err)
	}

	qualityColor(op.QualityFlagID).Printf("Operation %s controlled: %s\n", idLabel(op.ID), op.QualityFlagID)
	if op.QualificationComments != "" {
		fmt.Printf("  %s\n", op.QualificationComments)
	}
}
