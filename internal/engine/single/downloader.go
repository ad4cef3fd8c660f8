package single

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"
	"golang.org/x/net/proxy"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// ErrRangeNotSatisfiable means the server refused the resume offset; the
// local partial file cannot be trusted and the transfer must restart at 0.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ErrTransfer wraps failures reading the response body.
var ErrTransfer = errors.New("transfer interrupted")

// HTTPStatusError is returned for unexpected HTTP status codes.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Time // zero when the server sent none
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Retryable reports whether the failure is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// ProgressFunc receives the total bytes present in the destination file after
// every buffer write. total is 0 when the server did not announce a length.
type ProgressFunc func(written, total int64)

// ResumableDownloader fetches one artifact over HTTP into a local file,
// continuing from an existing partial file when asked to.
type ResumableDownloader struct {
	Client  *http.Client
	Runtime *types.RuntimeConfig
	Headers map[string]string // Extra request headers (auth, etc.)
}

// NewHTTPClient builds a client honouring the proxy and TLS settings.
func NewHTTPClient(runtime *types.RuntimeConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          types.DefaultMaxIdleConns,
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: types.DefaultExpectContinueTimeout,
		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	if runtime != nil && runtime.ProxyURL != "" {
		parsedURL, err := url.Parse(runtime.ProxyURL)
		if err != nil {
			utils.Debug("Downloader: Invalid proxy URL %s: %v", runtime.ProxyURL, err)
			transport.Proxy = http.ProxyFromEnvironment
		} else if strings.HasPrefix(parsedURL.Scheme, "socks5") {
			utils.Debug("Downloader: Using SOCKS5 proxy: %s", runtime.ProxyURL)
			var auth *proxy.Auth
			if parsedURL.User != nil {
				pass, _ := parsedURL.User.Password()
				auth = &proxy.Auth{User: parsedURL.User.Username(), Password: pass}
			}
			dialer, dialErr := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
			if dialErr != nil {
				utils.Debug("Downloader: Failed to create SOCKS5 dialer: %v", dialErr)
				transport.Proxy = http.ProxyFromEnvironment
			} else if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		} else {
			transport.Proxy = http.ProxyURL(parsedURL)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	if runtime != nil && runtime.SkipTLSVerification {
		utils.Debug("Downloader: TLS verification disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Timeout:   0,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			// Credentials survive a hop to another host (CDN edge, mirror).
			for key, vals := range via[0].Header {
				if _, ok := req.Header[key]; !ok {
					req.Header[key] = vals
				}
			}
			return nil
		},
	}
}

// NewResumableDownloader creates a downloader using the runtime settings.
func NewResumableDownloader(runtime *types.RuntimeConfig) *ResumableDownloader {
	return &ResumableDownloader{
		Client:  NewHTTPClient(runtime),
		Runtime: runtime,
	}
}

// Download writes rawurl into destPath. With resumeFrom > 0 it requests
// bytes=resumeFrom- and appends; otherwise the file is truncated. A server
// that ignores the range gets a fresh transfer from byte 0. The partial file
// is left in place on every error, including cancellation.
func (d *ResumableDownloader) Download(ctx context.Context, destPath, rawurl string, resumeFrom int64, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return err
	}
	for key, val := range d.Headers {
		if strings.EqualFold(key, "Range") {
			continue
		}
		req.Header.Set(key, val)
	}
	req.Header.Set("User-Agent", d.Runtime.GetUserAgent())
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			utils.Debug("Error closing response body: %v", err)
		}
	}()

	var (
		offset int64
		total  int64
		flags  = os.O_CREATE | os.O_WRONLY
	)

	switch {
	case resp.StatusCode == http.StatusPartialContent && resumeFrom > 0:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != resumeFrom {
			return fmt.Errorf("%w: server answered range %q for offset %d", ErrRangeNotSatisfiable, resp.Header.Get("Content-Range"), resumeFrom)
		}
		offset = resumeFrom
		total = size
		if total <= 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		if resumeFrom > 0 {
			utils.Debug("Downloader: server ignored range, restarting %s from 0", destPath)
		}
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	default:
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: httpheader.RetryAfter(resp.Header),
		}
	}

	outFile, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	if flags&os.O_APPEND != 0 {
		info, err := outFile.Stat()
		if err != nil {
			return fmt.Errorf("stat destination: %w", err)
		}
		if info.Size() != offset {
			return fmt.Errorf("%w: local file is %d bytes, resume offset %d", ErrRangeNotSatisfiable, info.Size(), offset)
		}
	}

	if onProgress != nil {
		onProgress(offset, total)
	}

	written := offset
	buf := make([]byte, d.Runtime.GetWorkerBufferSize())

	for {
		// Cancellation is observed between buffers, bounding latency to one read.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			nw, writeErr := outFile.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
				if onProgress != nil {
					onProgress(written, total)
				}
			}
			if writeErr != nil {
				return fmt.Errorf("write error: %w", writeErr)
			}
			if nr != nw {
				return io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrTransfer, readErr)
		}
	}

	if total > 0 && written < total {
		return fmt.Errorf("%w: %w", ErrTransfer, io.ErrUnexpectedEOF)
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close error: %w", err)
	}

	utils.Debug("Downloaded %s (%s)", destPath, utils.FormatBytes(written))
	return nil
}

// parseContentRange parses "bytes START-END/TOTAL". total is 0 for "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	v = strings.TrimPrefix(v, "bytes ")
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

// IsTransient reports whether err from Download is worth retrying at the
// same offset: network failures, short reads and retryable HTTP statuses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRangeNotSatisfiable) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, ErrTransfer) || errors.Is(err, io.ErrUnexpectedEOF)
}
