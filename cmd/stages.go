package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Control the package download",
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Control application of the staged package",
}

// stageAction describes one start/pause/resume/cancel subcommand.
type stageAction struct {
	use     string
	short   string
	run     func(ctx context.Context, svc core.UpdateService, out io.Writer) error
	settled func(types.Snapshot) bool
}

var downloadActions = []stageAction{
	{
		use:   "start",
		short: "Download, verify and stage the recorded build",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			id, err := svc.StartDownload(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Download started (task %s)\n", id)
			return nil
		},
		settled: downloadSettled,
	},
	{
		use:   "pause",
		short: "Pause the running download",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.PauseDownload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Download paused")
			return nil
		},
	},
	{
		use:   "resume",
		short: "Resume a paused download from its saved offset",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.ResumeDownload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Download resumed")
			return nil
		},
		settled: downloadSettled,
	},
	{
		use:   "cancel",
		short: "Cancel the download and discard partial data",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.CancelDownload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Download cancelled")
			return nil
		},
	},
}

var applyActions = []stageAction{
	{
		use:   "start",
		short: "Apply the staged package",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.StartUpdate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Apply started")
			return nil
		},
		settled: applySettled,
	},
	{
		use:   "pause",
		short: "Suspend the running apply",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.PauseUpdate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Apply paused")
			return nil
		},
	},
	{
		use:   "resume",
		short: "Continue a suspended apply",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.ResumeUpdate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Apply resumed")
			return nil
		},
		settled: applySettled,
	},
	{
		use:   "cancel",
		short: "Abort the running apply",
		run: func(ctx context.Context, svc core.UpdateService, out io.Writer) error {
			if err := svc.CancelUpdate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Apply cancelled")
			return nil
		},
	},
}

// newStageCommand builds a subcommand. Commands that start work follow it
// to completion when the pipeline runs in-process, since it stops when the
// command exits, or when --wait is given.
func newStageCommand(a stageAction) *cobra.Command {
	c := &cobra.Command{
		Use:   a.use,
		Short: a.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			wait, _ := cmd.Flags().GetBool("wait")
			return withSession(ctx, func(s *session) error {
				if err := a.run(ctx, s.svc, out); err != nil {
					return err
				}
				if a.settled == nil || (!s.local && !wait) {
					return nil
				}
				snap, err := waitFor(ctx, s.svc, out, a.settled)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				printStatus(out, snap)
				return nil
			})
		},
	}
	if a.settled != nil {
		c.Flags().Bool("wait", false, "Follow progress until the stage settles (always on without a daemon)")
	}
	return c
}

func init() {
	for _, a := range downloadActions {
		downloadCmd.AddCommand(newStageCommand(a))
	}
	for _, a := range applyActions {
		applyCmd.AddCommand(newStageCommand(a))
	}
	rootCmd.AddCommand(downloadCmd, applyCmd)
}
