package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebug_WritesToConfiguredWriter(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf)
	defer CloseDebug()

	Debug("staged %s", "ota.zip")

	assert.Contains(t, buf.String(), `"message":"staged ota.zip"`)
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf)
	defer CloseDebug()

	l := Component("download")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"download"`)
}

func TestConfigureDebug_CreatesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, ConfigureDebug(dir, 2))

	Debug("first line")
	CloseDebug()

	data, err := os.ReadFile(filepath.Join(dir, "otaupdate.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "first line"))
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "1.0 kB", FormatBytes(1000))
	assert.Equal(t, "unknown", FormatBytes(-1))
	assert.Equal(t, "150 MB / 300 MB (50%)", FormatProgress(150_000_000, 300_000_000, 50))
	assert.Equal(t, "12 B", FormatProgress(12, 0, 0))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "upda…", Truncate("update.zip", 5))
	assert.Equal(t, "ü…", Truncate("üñïcode", 2))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "", Truncate("abc", 0))
}
