package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/config"
	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a tripsync workspace",
	Long: `Initialize a tripsync workspace in the current directory.
This creates a .tripsync directory holding the configuration, a new device
id and the local database.`,
	Run: runInit,
}

var (
	initPodURL  string
	initToken   string
	initProgram string
)

func init() {
	initCmd.Flags().StringVar(&initPodURL, "pod-url", "http://localhost:8730", "Data pod URL")
	initCmd.Flags().StringVar(&initToken, "token", "", "Pod bearer token")
	initCmd.Flags().StringVar(&initProgram, "program", "", "Default program label")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("tripsync workspace already exists")
	}

	fmt.Printf("Initializing tripsync workspace...\n")
	fmt.Printf("Pod URL: %s\n", initPodURL)

	cfg, err := config.Initialize(initPodURL)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}
	cfg.Token = initToken
	cfg.ProgramLabel = initProgram
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	// Check the program while we can still tell the user about it.
	if initProgram != "" && !offlineFlag {
		client := remote.NewHTTPClient(cfg.PodURL, cfg.Token, cfg.RequestTimeout.Duration)
		p, err := remote.QueryInto[*models.Program](context.Background(), client, remote.LoadProgram, remote.LabelVars{Label: initProgram}, remote.NetworkOnly)
		if err != nil {
			fmt.Printf("Warning: could not load program %s: %v\n", initProgram, err)
		} else if p.PropertyAsBool(models.ProgramPropertyAllowParentOperation) {
			fmt.Printf("Program %s allows parent operations\n", p.Label)
		}
	}

	fmt.Printf("\nInitialized tripsync workspace in %s/\n", config.Dir)
	fmt.Printf("Device id: %s\n", cfg.DeviceID)
}
