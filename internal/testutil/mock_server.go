package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer serves one artifact with configurable range support and faults.
// Without explicit data it serves a deterministic byte pattern, so very large
// artifacts cost no memory.
type MockServer struct {
	Server *httptest.Server

	FileSize         int64         // Size of the served artifact
	SupportsRanges   bool          // Whether to honour Range requests
	ContentType      string        // Content-Type header value
	Filename         string        // Filename in Content-Disposition header
	Latency          time.Duration // Artificial latency per request
	ByteLatency      time.Duration // Latency per byte (simulates slow connection)
	FailAfterBytes   int64         // Drop the connection after this many bytes (0 = never)
	FailRequests     int           // Number of requests FailAfterBytes applies to (0 = all)
	FailOnNthRequest int           // Answer the Nth request with FailStatus (0 = never)
	FailStatus       int           // Status used by FailOnNthRequest
	RetryAfter       string        // Retry-After header sent with FailStatus

	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64

	mu         sync.Mutex
	reqNum     int
	lastRanges []string

	data          []byte
	CustomHandler http.HandlerFunc
}

// MockServerOption configures a MockServer
type MockServerOption func(*MockServer)

// WithHandler replaces the built-in handler entirely.
func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(m *MockServer) { m.CustomHandler = h }
}

// WithFileSize sets the size of the patterned artifact.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

// WithData serves the given bytes instead of the pattern.
func WithData(data []byte) MockServerOption {
	return func(m *MockServer) {
		m.data = data
		m.FileSize = int64(len(data))
	}
}

// WithRangeSupport toggles Range handling; without it every request gets 200.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

// WithFilename sets the Content-Disposition filename.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) { m.Filename = name }
}

// WithLatency delays each request before headers are written.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

// WithByteLatency delays proportional to bytes written.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.ByteLatency = d }
}

// WithFailAfterBytes drops the first `requests` connections (0 = all) after n body bytes.
func WithFailAfterBytes(n int64, requests int) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = n
		m.FailRequests = requests
	}
}

// WithFailOnNthRequest answers the nth request with a 500.
func WithFailOnNthRequest(n int) MockServerOption {
	return func(m *MockServer) {
		m.FailOnNthRequest = n
		if m.FailStatus == 0 {
			m.FailStatus = http.StatusInternalServerError
		}
	}
}

// WithFailStatus sets the status and Retry-After used by WithFailOnNthRequest.
func WithFailStatus(status int, retryAfter string) MockServerOption {
	return func(m *MockServer) {
		m.FailStatus = status
		m.RetryAfter = retryAfter
	}
}

func newMockServer(opts []MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       1024 * 1024, // 1MB default
		SupportsRanges: true,
		ContentType:    "application/zip",
		Filename:       "ota.zip",
		FailStatus:     http.StatusInternalServerError,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMockServer creates and starts a new mock server
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMockServer(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a mock server and skips the test if no listener is available.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMockServer(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the artifact URL.
func (m *MockServer) URL() string {
	return m.Server.URL + "/" + m.Filename
}

// Close shuts down the server.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// Ranges returns the Range headers received so far ("" for none).
func (m *MockServer) Ranges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastRanges...)
}

// Digest returns the sha256 hex digest of the served artifact.
func (m *MockServer) Digest() string {
	h := sha256.New()
	_, _ = io.Copy(h, m.Reader())
	return hex.EncodeToString(h.Sum(nil))
}

// Reader streams the served artifact.
func (m *MockServer) Reader() io.Reader {
	if m.data != nil {
		return bytes.NewReader(m.data)
	}
	return io.LimitReader(&patternReader{}, m.FileSize)
}

// Stats returns request counters.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:  m.RequestCount.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
	}
}

// MockServerStats contains server statistics
type MockServerStats struct {
	TotalRequests  int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
}

func (m *MockServer) fill(p []byte, off int64) {
	if m.data != nil {
		copy(p, m.data[off:])
		return
	}
	for i := range p {
		p[i] = PatternByte(off + int64(i))
	}
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	m.RequestCount.Add(1)
	m.mu.Lock()
	m.reqNum++
	reqNum := m.reqNum
	m.lastRanges = append(m.lastRanges, r.Header.Get("Range"))
	m.mu.Unlock()

	if m.FailOnNthRequest > 0 && reqNum == m.FailOnNthRequest {
		m.FailedRequests.Add(1)
		if m.RetryAfter != "" {
			w.Header().Set("Retry-After", m.RetryAfter)
		}
		http.Error(w, "Simulated failure", m.FailStatus)
		return
	}

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	rangeHeader := r.Header.Get("Range")
	start := int64(0)
	end := m.FileSize - 1

	if rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		m.setCommonHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, 0, end)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	failAfter := m.FailAfterBytes
	if m.FailRequests > 0 && reqNum > m.FailRequests {
		failAfter = 0
	}

	length := end - start + 1
	written := int64(0)
	buf := make([]byte, 32*1024)
	for written < length {
		if failAfter > 0 && written >= failAfter {
			m.FailedRequests.Add(1)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}

		chunk := int64(len(buf))
		if remaining := length - written; remaining < chunk {
			chunk = remaining
		}
		if failAfter > 0 && written+chunk > failAfter {
			chunk = failAfter - written
		}
		m.fill(buf[:chunk], start+written)

		n, err := w.Write(buf[:chunk])
		if err != nil {
			return // Client disconnected
		}
		written += int64(n)
		m.BytesServed.Add(int64(n))

		if m.ByteLatency > 0 {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(m.ByteLatency * time.Duration(n))
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
}

// parseRange parses "bytes=START-END", "bytes=START-" or "bytes=-SUFFIX".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error
	switch {
	case first == "":
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start, end = fileSize-suffix, fileSize-1
	default:
		if start, err = strconv.ParseInt(first, 10, 64); err != nil {
			return 0, 0, err
		}
		end = fileSize - 1
		if last != "" {
			if end, err = strconv.ParseInt(last, 10, 64); err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}

// PatternByte is the byte served at offset off when no data is configured.
func PatternByte(off int64) byte {
	return byte((off*31 + off/251) % 251)
}

type patternReader struct{ off int64 }

func (r *patternReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = PatternByte(r.off + int64(i))
	}
	r.off += int64(len(p))
	return len(p), nil
}
