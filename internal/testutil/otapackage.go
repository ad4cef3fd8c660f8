package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

// Entry names inside an update package.
const (
	MetadataEntry   = "META-INF/com/android/metadata"
	PropertiesEntry = "payload_properties.txt"
	PayloadEntry    = "payload.bin"
)

// Metadata layouts understood by the payload parser.
const (
	MetadataPropertyFiles  = "property-files"
	MetadataStreamingFiles = "streaming-property-files"
	MetadataRawTuples      = "raw"
)

// OTAPackage describes an update package to build for tests.
type OTAPackage struct {
	Payload        []byte
	Properties     []string // header lines, joined with "\n"
	MetadataFormat string   // one of the Metadata* layouts; defaults to property-files
	Metadata       string   // used verbatim when non-empty
	OmitMetadata   bool
	OmitProperties bool
}

// DefaultProperties returns four well-formed payload header lines.
func DefaultProperties() []string {
	return []string{
		"FILE_HASH=bG9yZW0gaXBzdW0gZG9sb3Igc2l0IGFtZXQ=",
		"FILE_SIZE=4096",
		"METADATA_HASH=c2VkIGRvIGVpdXNtb2QgdGVtcG9y",
		"METADATA_SIZE=512",
	}
}

// BuildOTAPackage returns the package bytes and the payload location inside them.
func BuildOTAPackage(p OTAPackage) (data []byte, offset, size int64, err error) {
	// The payload is the first, stored entry, so its offset does not depend on
	// the metadata written after it. Build once to learn it, then for real.
	first, err := writePackage(p, "")
	if err != nil {
		return nil, 0, 0, err
	}
	offset, size, err = payloadLocation(first)
	if err != nil {
		return nil, 0, 0, err
	}

	meta := p.Metadata
	if meta == "" {
		tuple := fmt.Sprintf("%s:%d:%d", PayloadEntry, offset, size)
		switch p.MetadataFormat {
		case MetadataRawTuples:
			meta = "metadata:69:379," + tuple
		case MetadataStreamingFiles:
			meta = "ota-type=AB\nota-streaming-property-files=" + tuple + ",metadata:69:379\n"
		default:
			meta = "ota-type=AB\nota-property-files=" + tuple + ",metadata:69:379\npost-build=example/1.0\n"
		}
	}

	data, err = writePackage(p, meta)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, offset, size, nil
}

// WriteOTAPackage builds p into dir/name and returns its path and payload location.
func WriteOTAPackage(t *testing.T, dir, name string, p OTAPackage) (string, int64, int64) {
	t.Helper()
	data, offset, size, err := BuildOTAPackage(p)
	if err != nil {
		t.Fatalf("build ota package: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write ota package: %v", err)
	}
	return path, offset, size
}

func writePackage(p OTAPackage, meta string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, body []byte, method uint16) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}

	if err := add(PayloadEntry, p.Payload, zip.Store); err != nil {
		return nil, err
	}
	if !p.OmitProperties {
		props := strings.Join(p.Properties, "\n") + "\n"
		if err := add(PropertiesEntry, []byte(props), zip.Store); err != nil {
			return nil, err
		}
	}
	if !p.OmitMetadata {
		if err := add(MetadataEntry, []byte(meta), zip.Deflate); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func payloadLocation(data []byte) (int64, int64, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	for _, f := range zr.File {
		if f.Name == PayloadEntry {
			off, err := f.DataOffset()
			if err != nil {
				return 0, 0, err
			}
			return off, int64(f.UncompressedSize64), nil
		}
	}
	return 0, 0, fmt.Errorf("%s not found", PayloadEntry)
}
