package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Offer a discovered build to the pipeline",
	Long: `Record a build found by an update check. The build replaces the current
one only if it is newer; a newer build abandons any download or staged
package of the older one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := buildFromFlags(cmd)
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(s *session) error {
			recorded, err := s.svc.RecordBuild(cmd.Context(), info)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !recorded {
				fmt.Fprintf(out, "Build %s is not newer than the recorded build; ignored.\n", info.Version)
				return nil
			}
			fmt.Fprintf(out, "Recorded build %s. Run 'otaupdate download start' to fetch it.\n", info.Version)
			return nil
		})
	},
}

func init() {
	checkCmd.Flags().String("url", "", "Download URL of the update package (required)")
	checkCmd.Flags().String("version", "", "Build version string")
	checkCmd.Flags().String("hash", "", "Expected package digest as algo:hex, e.g. sha256:<hex>")
	checkCmd.Flags().Int64("size", 0, "Package size in bytes (probed from the server when 0)")
	checkCmd.Flags().String("file-name", "", "Local file name (defaults to the last URL path segment)")
	checkCmd.Flags().String("released", "", "Release time, RFC 3339 or YYYY-MM-DD (defaults to now)")
	_ = checkCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(checkCmd)
}

func buildFromFlags(cmd *cobra.Command) (types.BuildInfo, error) {
	rawURL, _ := cmd.Flags().GetString("url")
	version, _ := cmd.Flags().GetString("version")
	hash, _ := cmd.Flags().GetString("hash")
	size, _ := cmd.Flags().GetInt64("size")
	fileName, _ := cmd.Flags().GetString("file-name")
	released, _ := cmd.Flags().GetString("released")

	if rawURL == "" {
		return types.BuildInfo{}, errors.New("--url is required")
	}
	if size < 0 {
		return types.BuildInfo{}, errors.New("--size must not be negative")
	}

	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return types.BuildInfo{}, fmt.Errorf("invalid --url: %w", err)
	}
	fileName = utils.SanitizeFileName(fileName)

	releasedAt := time.Now()
	if released != "" {
		t, err := parseReleaseTime(released)
		if err != nil {
			return types.BuildInfo{}, err
		}
		releasedAt = t
	}

	return types.BuildInfo{
		Version:                version,
		ReleaseTimestampMillis: releasedAt.UnixMilli(),
		DownloadURL:            rawURL,
		FileName:               fileName,
		FileSizeBytes:          size,
		ContentHash:            hash,
	}, nil
}

func parseReleaseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --released %q: use RFC 3339 or YYYY-MM-DD", s)
}
