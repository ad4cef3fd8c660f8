package payload

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/testutil"
)

func payloadBytes() []byte {
	return bytes.Repeat([]byte("PAYLOAD!"), 512)
}

func TestParse_PropertyFiles(t *testing.T) {
	path, offset, size := testutil.WriteOTAPackage(t, t.TempDir(), "ota.zip", testutil.OTAPackage{
		Payload:    payloadBytes(),
		Properties: testutil.DefaultProperties(),
	})

	d, err := ParseWithError(path)
	require.NoError(t, err)
	assert.True(t, d.Valid())
	assert.Equal(t, path, d.PackagePath)
	assert.Equal(t, offset, d.PayloadOffset)
	assert.Equal(t, size, d.PayloadSize)
	assert.Equal(t, testutil.DefaultProperties()[0], d.HeaderLines[0])
	assert.Equal(t, testutil.DefaultProperties()[3], d.HeaderLines[3])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payloadBytes(), data[d.PayloadOffset:d.PayloadOffset+d.PayloadSize])
}

func TestParse_MetadataLayouts(t *testing.T) {
	for _, format := range []string{testutil.MetadataStreamingFiles, testutil.MetadataRawTuples} {
		t.Run(format, func(t *testing.T) {
			path, offset, size := testutil.WriteOTAPackage(t, t.TempDir(), "ota.zip", testutil.OTAPackage{
				Payload:        payloadBytes(),
				Properties:     testutil.DefaultProperties(),
				MetadataFormat: format,
			})
			d := Parse(path)
			require.True(t, d.Valid())
			assert.Equal(t, offset, d.PayloadOffset)
			assert.Equal(t, size, d.PayloadSize)
		})
	}
}

func TestParse_PrefersPropertyFilesOverStreaming(t *testing.T) {
	dir := t.TempDir()
	// The payload is the first entry, so its offset does not depend on the metadata.
	_, offset, size := testutil.WriteOTAPackage(t, dir, "probe.zip", testutil.OTAPackage{
		Payload:    payloadBytes(),
		Properties: testutil.DefaultProperties(),
	})
	meta := fmt.Sprintf("ota-streaming-property-files=payload.bin:1:1\nota-property-files=payload.bin:%d:%d\n", offset, size)
	path, _, _ := testutil.WriteOTAPackage(t, dir, "ota.zip", testutil.OTAPackage{
		Payload:    payloadBytes(),
		Properties: testutil.DefaultProperties(),
		Metadata:   meta,
	})

	d := Parse(path)
	require.True(t, d.Valid())
	assert.Equal(t, offset, d.PayloadOffset)
	assert.Equal(t, size, d.PayloadSize)
}

func TestParse_InvalidPackages(t *testing.T) {
	tests := []struct {
		name string
		pkg  testutil.OTAPackage
	}{
		{"missing metadata", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), OmitMetadata: true}},
		{"missing properties", testutil.OTAPackage{Payload: payloadBytes(), OmitProperties: true}},
		{"three header lines", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties()[:3]}},
		{"blank header lines", testutil.OTAPackage{Payload: payloadBytes(), Properties: []string{"A=1", "", "B=2", "  ", "C=3"}}},
		{"malformed tuple", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), Metadata: "ota-property-files=payload.bin:12,metadata:1:2\n"}},
		{"non-numeric offset", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), Metadata: "payload.bin:abc:10"}},
		{"no payload tuple", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), Metadata: "ota-property-files=metadata:69:379\n"}},
		{"no property files key", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), Metadata: "ota-type=AB\n"}},
		{"payload past end", testutil.OTAPackage{Payload: payloadBytes(), Properties: testutil.DefaultProperties(), Metadata: "payload.bin:0:999999999"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, _, _ := testutil.WriteOTAPackage(t, t.TempDir(), "ota.zip", tt.pkg)
			d, err := ParseWithError(path)
			assert.ErrorIs(t, err, ErrCorruptPackage)
			assert.False(t, d.Valid())
			assert.Equal(t, int64(-1), d.PayloadOffset)
			assert.Equal(t, int64(-1), d.PayloadSize)
		})
	}
}

func TestParse_NotAZip(t *testing.T) {
	dir := t.TempDir()
	path, err := testutil.CreateTestFile(dir, "garbage.zip", 4096, true)
	require.NoError(t, err)

	d, err := ParseWithError(path)
	assert.ErrorIs(t, err, ErrCorruptPackage)
	assert.False(t, d.Valid())

	empty := filepath.Join(dir, "empty.zip")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.False(t, Parse(empty).Valid())

	assert.False(t, Parse(filepath.Join(dir, "missing.zip")).Valid())
}

func TestHeaderLines_KeepsLinesVerbatim(t *testing.T) {
	lines, err := headerLines("A=1\r\n\nB = 2 \nC=3\nD=4\nE=5\n")
	require.NoError(t, err)
	assert.Equal(t, [4]string{"A=1", "B = 2 ", "C=3", "D=4"}, lines)
}
