package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/otaupdate/internal/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the effective settings",
	Long: `Print every setting with its current value, grouped by category.
Values come from the settings file with defaults and environment overrides applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := initializeGlobalState()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if write, _ := cmd.Flags().GetBool("write"); write {
			if err := config.SaveSettings(settings); err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			fmt.Fprintf(out, "Wrote %s\n", config.GetSettingsPath())
			return nil
		}
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		}
		return printSettings(out, settings)
	},
}

func init() {
	settingsCmd.Flags().Bool("json", false, "Output the settings file contents as JSON")
	settingsCmd.Flags().Bool("write", false, "Write the effective settings to the settings file")
	rootCmd.AddCommand(settingsCmd)
}

func printSettings(out io.Writer, settings *config.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var values map[string]map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return err
	}

	fmt.Fprintf(out, "Settings file: %s\n", config.GetSettingsPath())
	meta := config.GetSettingsMetadata()
	for _, category := range config.CategoryOrder() {
		fmt.Fprintf(out, "\n[%s]\n", category)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		group := values[strings.ToLower(category)]
		for _, m := range meta[category] {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", m.Label, settingValue(m, group[m.Key]), m.Description)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func settingValue(m config.SettingMeta, v any) string {
	n, isNumber := v.(json.Number)
	switch {
	case v == nil:
		return "-"
	case m.Type == "duration" && isNumber:
		ns, err := n.Int64()
		if err != nil {
			return n.String()
		}
		return time.Duration(ns).String()
	case v == "":
		return "(default)"
	default:
		return fmt.Sprint(v)
	}
}
