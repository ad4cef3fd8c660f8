package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the auth token used by the otaupdate daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := initializeGlobalState(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ensureAuthToken())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
