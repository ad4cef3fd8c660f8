package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/otaupdate/internal/engine/single"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// ProbeResult contains the artifact metadata learned from the server
type ProbeResult struct {
	FileSize      int64
	SupportsRange bool
	Filename      string
	ContentType   string
}

const probeAttempts = 3

// ProbeServer sends GET with Range: bytes=0-0 to learn the artifact size,
// range support and server-suggested filename. It is used when a discovered
// build does not announce its size.
func ProbeServer(ctx context.Context, runtime *types.RuntimeConfig, rawurl string, headers map[string]string) (*ProbeResult, error) {
	utils.Debug("Probing server: %s", rawurl)

	client := single.NewHTTPClient(runtime)
	client.Timeout = types.ProbeTimeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		// Keep auth headers across redirects
		for key, vals := range via[0].Header {
			if key == "Range" {
				continue
			}
			req.Header[key] = vals
		}
		return nil
	}

	var resp *http.Response
	var err error
	for i := 0; i < probeAttempts; i++ {
		if i > 0 {
			utils.Debug("Retrying probe... attempt %d", i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create probe request: %w", err)
		}
		for key, val := range headers {
			if key != "Range" {
				req.Header.Set(key, val)
			}
		}
		req.Header.Set("Range", "bytes=0-0")
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", runtime.GetUserAgent())
		}

		resp, err = client.Do(req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("probe request failed after retries: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*types.KB))
		_ = resp.Body.Close()
	}()

	utils.Debug("Probe response status: %d", resp.StatusCode)

	result := &ProbeResult{ContentType: resp.Header.Get("Content-Type")}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		// Content-Range: bytes 0-0/TOTAL
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 && cr[idx+1:] != "*" {
				result.FileSize, _ = strconv.ParseInt(cr[idx+1:], 10, 64)
			}
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			result.FileSize = resp.ContentLength
		}
	default:
		return nil, &single.HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: httpheader.RetryAfter(resp.Header),
		}
	}

	if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
		result.Filename = utils.SanitizeFileName(name)
	}
	if result.Filename == "" {
		if name, err := utils.FileNameFromURL(rawurl); err == nil {
			result.Filename = name
		}
	}

	utils.Debug("Probe complete - filename: %s, size: %d, range: %v",
		result.Filename, result.FileSize, result.SupportsRange)
	return result, nil
}

// FillBuildSize probes the artifact when the build does not carry a size or
// file name and returns the completed BuildInfo.
func FillBuildSize(ctx context.Context, runtime *types.RuntimeConfig, info types.BuildInfo) (types.BuildInfo, error) {
	if info.FileSizeBytes > 0 && info.FileName != "" {
		return info, nil
	}
	res, err := ProbeServer(ctx, runtime, info.DownloadURL, nil)
	if err != nil {
		return info, err
	}
	if info.FileSizeBytes <= 0 {
		info.FileSizeBytes = res.FileSize
	}
	if info.FileName == "" {
		info.FileName = res.Filename
	}
	return info, nil
}
