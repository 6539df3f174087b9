package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dropguard",
		Short: "Dropguard - disposable WireGuard gateway provisioner",
		Long: `Dropguard provisions a throwaway cloud VM, waits for it to configure
itself as a WireGuard gateway, and downloads the generated client
configuration.

The flow:
  - Request a VM with a cloud-init payload (WireGuard + firewall setup)
  - Poll the provider until the VM is active
  - Poll SSH until the host accepts connections
  - Poll cloud-init until boot-time configuration finishes
  - Fetch the client config over SFTP

When done with the gateway, delete the VM in the provider console; every
run is recorded locally so dangling resources can be tracked down.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
