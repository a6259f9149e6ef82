package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/spf13/cobra"
)

var (
	podAdminURL   string
	podAdminToken string

	podTokenDesc       string
	podTokenPrograms   []string
	podTokenPermission string

	podProgramName       string
	podProgramProperties []string
)

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Administer a data pod",
	Long:  "Commands for managing tokens and programs on a running tripsync-pod.",
}

var podTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage pod tokens",
}

var podTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new authentication token",
	Run:   runPodTokensCreate,
}

var podTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all authentication tokens",
	Run:   runPodTokensList,
}

var podTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an authentication token",
	Args:  cobra.ExactArgs(1),
	Run:   runPodTokensDelete,
}

var podProgramsCmd = &cobra.Command{
	Use:   "programs",
	Short: "Manage pod programs",
}

var podProgramsPutCmd = &cobra.Command{
	Use:   "put <label>",
	Short: "Create or replace a program",
	Long: `Create or replace a program and its properties.

Examples:
  tripsync pod programs put SIH --name "Fisheries" \
    --property sumaris.trip.operation.allowParent=true`,
	Args: cobra.ExactArgs(1),
	Run:  runPodProgramsPut,
}

func init() {
	podCmd.PersistentFlags().StringVar(&podAdminURL, "url", os.Getenv("TRIPSYNC_POD_URL"), "Pod base URL (env: TRIPSYNC_POD_URL)")
	podCmd.PersistentFlags().StringVar(&podAdminToken, "admin-token", os.Getenv("TRIPSYNC_ADMIN_TOKEN"), "Admin token (env: TRIPSYNC_ADMIN_TOKEN)")

	podCmd.AddCommand(podTokensCmd, podProgramsCmd)
	podTokensCmd.AddCommand(podTokensCreateCmd, podTokensListCmd, podTokensDeleteCmd)
	podProgramsCmd.AddCommand(podProgramsPutCmd)

	tf := podTokensCreateCmd.Flags()
	tf.StringVar(&podTokenDesc, "desc", "", "Token description")
	tf.StringArrayVar(&podTokenPrograms, "program", nil, "Programs to grant access to, repeat for multiple (default: *)")
	tf.StringVar(&podTokenPermission, "permission", "rw", "Permission level: ro or rw")

	pf := podProgramsPutCmd.Flags()
	pf.StringVar(&podProgramName, "name", "", "Program name")
	pf.StringArrayVar(&podProgramProperties, "property", nil, "Program property key=value, repeat for multiple")
}

// resolveAdminClient builds an AdminClient from the admin flags.
func resolveAdminClient() *remote.AdminClient {
	if podAdminURL == "" {
		exitError("--url or TRIPSYNC_POD_URL is required")
	}
	if podAdminToken == "" {
		exitError("--admin-token or TRIPSYNC_ADMIN_TOKEN is required")
	}
	return remote.NewAdminClient(podAdminURL, podAdminToken)
}

func runPodTokensCreate(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	programs := podTokenPrograms
	if len(programs) == 0 {
		programs = []string{"*"}
	}

	resp, err := c.CreateToken(context.Background(), podTokenDesc, programs, podTokenPermission)
	if err != nil {
		exitError("%v", err)
	}

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Programs:    %s\n", strings.Join(resp.Programs, ", "))
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	color.New(color.FgGreen).Printf("Token: %s\n", resp.Token)
	color.New(color.FgYellow).Println("Save this token, it will not be shown again.")
}

func runPodTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	tokens, err := c.ListTokens(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-26s  %-20s  %-16s  %-4s  %s\n", "ID", "Description", "Programs", "Perm", "Last used")
	for _, t := range tokens {
		programs := strings.Join(t.Programs, ",")
		if programs == "" {
			programs = "*"
		}
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = formatTime(t.LastUsedAt)
		}
		fmt.Printf("  %-26s  %-20s  %-16s  %-4s  %s\n", t.ID, t.Description, programs, t.Permission, lastUsed)
	}
}

func runPodTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()
	if err := c.DeleteToken(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted token '%s'\n", args[0])
}

func runPodProgramsPut(_ *cobra.Command, args []string) {
	props, err := parseProperties(podProgramProperties)
	if err != nil {
		exitError("%v", err)
	}
	c := resolveAdminClient()

	p, err := c.PutProgram(context.Background(), args[0], podProgramName, props)
	if err != nil {
		exitError("%v", err)
	}

	color.New(color.FgGreen).Printf("Program %s saved (id %d)\n", p.Label, p.ID)
	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %s\n", k, p.Properties[k])
	}
}
