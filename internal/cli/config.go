package cli

import (
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the workspace configuration",
	Run:   runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Keys: pod_url, token, program_label, import_days, request_timeout, cache_ttl,
subscription_interval, log_level, log_format, force_offline.`,
	Args: cobra.ExactArgs(2),
	Run:  runConfigSet,
}

func init() {
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	token := ""
	if cfg.Token != "" {
		token = "(set)"
	}
	fmt.Printf("pod_url               = %s\n", cfg.PodURL)
	fmt.Printf("token                 = %s\n", token)
	fmt.Printf("program_label         = %s\n", cfg.ProgramLabel)
	fmt.Printf("device_id             = %s\n", cfg.DeviceID)
	fmt.Printf("import_days           = %d\n", cfg.ImportDays)
	fmt.Printf("request_timeout       = %s\n", cfg.RequestTimeout)
	fmt.Printf("cache_ttl             = %s\n", cfg.CacheTTL)
	fmt.Printf("subscription_interval = %s\n", cfg.SubscriptionInterval)
	fmt.Printf("retry_max             = %d\n", cfg.RetryMax)
	fmt.Printf("log_level             = %s\n", cfg.LogLevel)
	fmt.Printf("log_format            = %s\n", cfg.LogFormat)
	fmt.Printf("force_offline         = %t\n", cfg.ForceOffline)
}

func runConfigSet(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	if err := cfg.Set(args[0], args[1]); err != nil {
		exitError("%v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}
	fmt.Printf("Set %s\n", args[0])
}
