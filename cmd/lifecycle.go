package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var bootCompletedCmd = &cobra.Command{
	Use:   "boot-completed",
	Short: "Report that the device finished booting",
	Long: `Report a completed boot. If an applied update was waiting for a reboot,
the pipeline returns to idle and the consumed state is cleared.
Run this once per boot, e.g. from a boot-time service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			consumed, err := s.svc.BootCompleted(cmd.Context())
			if err != nil {
				return err
			}
			if consumed {
				fmt.Fprintln(cmd.OutOrStdout(), "Update completed by reboot; pipeline is idle.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No update was waiting for a reboot.")
			}
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Abandon all download and apply progress",
	Long: `Cancel any download or apply, delete the staged package and partial
downloads, and return the pipeline to idle. The recorded build is kept, so
only a newer build re-arms the pipeline.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("yes")
		if !force {
			return errors.New("reset discards all progress; pass --yes to confirm")
		}
		return withSession(cmd.Context(), func(s *session) error {
			if err := s.svc.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pipeline reset.")
			return nil
		})
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Confirm the reset")
	rootCmd.AddCommand(bootCompletedCmd, resetCmd)
}
