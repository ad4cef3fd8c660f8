package utils

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count for status output, e.g. "300 MB".
func FormatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}

// FormatProgress renders "done / total (pct%)".
func FormatProgress(done, total int64, pct int) string {
	if total <= 0 {
		return FormatBytes(done)
	}
	return fmt.Sprintf("%s / %s (%d%%)", FormatBytes(done), FormatBytes(total), pct)
}

// Truncate shortens s to at most width runes, marking the cut with "…".
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}
