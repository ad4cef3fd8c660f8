package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the update pipeline status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return withSession(cmd.Context(), func(s *session) error {
			snap, err := s.svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(out, snap)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output the raw status rows as JSON")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(out io.Writer, snap types.Snapshot) {
	fmt.Fprintf(out, "Status:    %s", styledCode(out, snap.Global.Code))
	if snap.Global.EntryTimestamp > 0 {
		fmt.Fprintf(out, " (since %s)", humanize.Time(time.UnixMilli(snap.Global.EntryTimestamp)))
	}
	fmt.Fprintln(out)

	if snap.Build.IsZero() {
		fmt.Fprintln(out, "Build:     none")
	} else {
		fmt.Fprintf(out, "Build:     %s", snap.Build.Version)
		if snap.Build.ReleaseTimestampMillis > 0 {
			fmt.Fprintf(out, " (released %s)", time.UnixMilli(snap.Build.ReleaseTimestampMillis).UTC().Format("2006-01-02"))
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "           %s (%s)\n", snap.Build.DownloadURL, utils.FormatBytes(snap.Build.FileSizeBytes))
	}

	fmt.Fprintf(out, "Download:  %s  %s", snap.Download.Phase,
		utils.FormatProgress(snap.Download.DownloadedBytes, snap.Download.TotalBytes, snap.Download.Percent))
	if snap.Download.Reason != types.ReasonNone {
		fmt.Fprintf(out, "  reason=%s", snap.Download.Reason)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Apply:     %s", snap.Update.Code)
	if snap.Update.Step != types.StepNone {
		fmt.Fprintf(out, "  %s %d%%", snap.Update.Step, snap.Update.ProgressPercent)
	}
	if snap.Update.Reason != types.ReasonNone {
		fmt.Fprintf(out, "  reason=%s", snap.Update.Reason)
	}
	fmt.Fprintln(out)

	if snap.Global.LocalUpgradeFileName != "" {
		fmt.Fprintf(out, "Staged:    %s\n", snap.Global.LocalUpgradeFileName)
	}
}

// styledCode colours the global phase when out is a colour terminal.
func styledCode(out io.Writer, code types.GlobalCode) string {
	o := termenv.NewOutput(out)
	if o.Profile == termenv.Ascii {
		return code.String()
	}
	var color termenv.Color
	switch code {
	case types.GlobalFinished, types.GlobalRebootPending:
		color = o.Color("2")
	case types.GlobalDownloading, types.GlobalUpdating:
		color = o.Color("6")
	case types.GlobalDownloadPending, types.GlobalUpdatePending:
		color = o.Color("3")
	default:
		return code.String()
	}
	return o.String(code.String()).Foreground(color).Bold().String()
}

// progressLine is the one-line summary printed while waiting.
func progressLine(snap types.Snapshot) string {
	switch {
	case snap.Download.Phase.Active() || snap.Download.Phase == types.DownloadPaused:
		return fmt.Sprintf("Download %s: %s", strings.TrimPrefix(snap.Download.Phase.String(), "dl_"),
			utils.FormatProgress(snap.Download.DownloadedBytes, snap.Download.TotalBytes, snap.Download.Percent))
	case snap.Update.Code == types.UpdateApplying || snap.Update.Code == types.UpdatePaused:
		return fmt.Sprintf("Apply %s: %s %d%%", strings.TrimPrefix(snap.Update.Code.String(), "up_"),
			snap.Update.Step, snap.Update.ProgressPercent)
	default:
		return fmt.Sprintf("Status: %s", snap.Global.Code)
	}
}

func downloadSettled(snap types.Snapshot) bool {
	return !snap.Download.Phase.Active()
}

func applySettled(snap types.Snapshot) bool {
	return snap.Update.Code != types.UpdateIndeterminate && snap.Update.Code != types.UpdateApplying
}

// waitFor follows the event stream until done reports true for the folded
// status, printing a line whenever the progress summary changes.
func waitFor(ctx context.Context, svc core.UpdateService, out io.Writer, done func(types.Snapshot) bool) (types.Snapshot, error) {
	stream, cancel, err := svc.StreamEvents(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer cancel()

	snap, err := svc.Status(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}

	last := ""
	report := func() {
		if line := progressLine(snap); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	}
	report()

	for !done(snap) {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				return snap, fmt.Errorf("event stream closed")
			}
			if f, isFailure := msg.(events.FailureMsg); isFailure && f.Err != nil {
				fmt.Fprintf(out, "%s failed (%s): %v\n", f.Component, f.Reason, f.Err)
			}
			snap = events.Fold(snap, msg)
			report()
		}
	}
	return svc.Status(ctx)
}
