// Package payload locates the update payload inside a staged package.
package payload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/zip"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// Entry names inside an update package.
const (
	MetadataEntry   = "META-INF/com/android/metadata"
	PropertiesEntry = "payload_properties.txt"
	PayloadEntry    = "payload.bin"
)

// Metadata keys holding the property-file tuple list, in preference order.
var propertyFileKeys = []string{"ota-property-files", "ota-streaming-property-files"}

// ErrCorruptPackage means the package passed its digest check but does not
// have the layout the apply engine needs.
var ErrCorruptPackage = errors.New("corrupt update package")

const sniffLen = 262

// Parse returns the descriptor for the package at path. Any failure yields a
// descriptor whose offset and size are unset.
func Parse(path string) types.PayloadDescriptor {
	d, err := ParseWithError(path)
	if err != nil {
		utils.Debug("Payload: %v", err)
	}
	return d
}

// ParseWithError is Parse with the cause of an invalid descriptor, wrapped
// in ErrCorruptPackage.
func ParseWithError(path string) (types.PayloadDescriptor, error) {
	invalid := types.InvalidDescriptor(path)

	if err := sniffZip(path); err != nil {
		return invalid, fmt.Errorf("%w: %w", ErrCorruptPackage, err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return invalid, fmt.Errorf("%w: open archive: %w", ErrCorruptPackage, err)
	}
	defer func() { _ = zr.Close() }()

	var metaFile, propsFile *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case MetadataEntry:
			metaFile = f
		case PropertiesEntry:
			propsFile = f
		}
	}
	if metaFile == nil {
		return invalid, fmt.Errorf("%w: %s missing", ErrCorruptPackage, MetadataEntry)
	}
	if propsFile == nil {
		return invalid, fmt.Errorf("%w: %s missing", ErrCorruptPackage, PropertiesEntry)
	}

	meta, err := readEntry(metaFile)
	if err != nil {
		return invalid, fmt.Errorf("%w: read metadata: %w", ErrCorruptPackage, err)
	}
	offset, size, err := payloadLocation(meta)
	if err != nil {
		return invalid, fmt.Errorf("%w: %w", ErrCorruptPackage, err)
	}

	if info, err := os.Stat(path); err == nil && offset+size > info.Size() {
		return invalid, fmt.Errorf("%w: payload %d+%d exceeds package size %d", ErrCorruptPackage, offset, size, info.Size())
	}

	props, err := readEntry(propsFile)
	if err != nil {
		return invalid, fmt.Errorf("%w: read properties: %w", ErrCorruptPackage, err)
	}
	lines, err := headerLines(props)
	if err != nil {
		return invalid, fmt.Errorf("%w: %w", ErrCorruptPackage, err)
	}

	return types.PayloadDescriptor{
		PackagePath:   path,
		PayloadOffset: offset,
		PayloadSize:   size,
		HeaderLines:   lines,
	}, nil
}

func sniffZip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read header: %w", err)
	}
	if !filetype.Is(head[:n], "zip") {
		kind, _ := filetype.Match(head[:n])
		return fmt.Errorf("not a zip archive (detected %q)", kind.Extension)
	}
	return nil
}

func readEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// payloadLocation finds the payload tuple in metadata, which is either a bare
// tuple list or key=value lines carrying one.
func payloadLocation(meta string) (int64, int64, error) {
	list := strings.TrimSpace(meta)
	if strings.Contains(list, "=") {
		values := map[string]string{}
		for _, line := range strings.Split(meta, "\n") {
			if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
				values[k] = v
			}
		}
		list = ""
		for _, key := range propertyFileKeys {
			if v, ok := values[key]; ok {
				list = v
				break
			}
		}
		if list == "" {
			return 0, 0, errors.New("metadata has no property files")
		}
	}

	found := false
	var offset, size int64
	for _, tuple := range strings.Split(list, ",") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		name, off, length, err := parseTuple(tuple)
		if err != nil {
			return 0, 0, err
		}
		if name == PayloadEntry && !found {
			offset, size, found = off, length, true
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("no %s tuple in metadata", PayloadEntry)
	}
	return offset, size, nil
}

func parseTuple(tuple string) (string, int64, int64, error) {
	parts := strings.Split(tuple, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, fmt.Errorf("malformed tuple %q", tuple)
	}
	off, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || off < 0 {
		return "", 0, 0, fmt.Errorf("malformed offset in tuple %q", tuple)
	}
	length, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || length < 0 {
		return "", 0, 0, fmt.Errorf("malformed length in tuple %q", tuple)
	}
	return parts[0], off, length, nil
}

func headerLines(props string) ([4]string, error) {
	var lines [4]string
	n := 0
	sc := bufio.NewScanner(strings.NewReader(props))
	for sc.Scan() && n < len(lines) {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines[n] = line
		n++
	}
	if n < len(lines) {
		return lines, fmt.Errorf("%s has %d header lines, want %d", PropertiesEntry, n, len(lines))
	}
	return lines, nil
}
