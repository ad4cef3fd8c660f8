package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Persistent connection flags
var (
	globalHost  string
	globalToken string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "otaupdate",
	Short: "Download, verify and apply over-the-air system updates",
	Long: `otaupdate fetches a system update package, verifies and stages it, and
hands it to the device's apply engine. Progress survives restarts and reboots.

Run 'otaupdate server start' to keep the pipeline running in the background;
other commands talk to that daemon when it is up and run in-process otherwise.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "otaupdate %s (built %s)\n", Version, BuildTime)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	utils.CloseDebug()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalHost, "host", "", "Daemon address host:port or URL (or set OTAUPDATE_HOST)")
	rootCmd.PersistentFlags().StringVar(&globalToken, "token", "", "Bearer token for the daemon (or set OTAUPDATE_TOKEN)")
	rootCmd.SetVersionTemplate("otaupdate version {{.Version}}\n")
	rootCmd.AddCommand(versionCmd)
}

// initializeGlobalState sets up the directories and logging, and returns the
// loaded settings.
func initializeGlobalState() (*config.Settings, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create app directories: %w", err)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if err := utils.ConfigureDebug(config.GetLogsDir(), settings.General.LogRetentionCount); err != nil {
		return nil, err
	}
	return settings, nil
}
