package cli

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/spf13/cobra"
)

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy <sqlite-file>",
	Short: "Import the records of an older SQLite local database",
	Long: `Copy the trips and operations of an older SQLite-backed local database into
this workspace. Records already present with the same id are replaced.`,
	Args: cobra.ExactArgs(1),
	Run:  runMigrateLegacy,
}

func runMigrateLegacy(cmd *cobra.Command, args []string) {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	res, err := store.ImportLegacy(context.Background(), c.Store, path)
	if err != nil {
		exitError("failed to import %s: %v", path, err)
	}

	names := make([]string, 0, len(res.Entities))
	for name := range res.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	green := color.New(color.FgGreen)
	for _, name := range names {
		green.Printf("  %-14s %d\n", name, res.Entities[name])
	}
	if res.Skipped > 0 {
		color.New(color.FgYellow).Printf("  skipped        %d\n", res.Skipped)
	}
	fmt.Println("Migration done")
}
