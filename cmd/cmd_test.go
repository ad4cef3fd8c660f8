package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/download"
	"github.com/surge-downloader/otaupdate/internal/engine/payload"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/update"
)

// =============================================================================
// findAvailablePort Tests
// =============================================================================

func TestFindAvailablePort_Success(t *testing.T) {
	requireTCPListener(t)
	port, ln := findAvailablePort(50000)
	require.NotNil(t, ln, "findAvailablePort returned nil listener")
	defer func() { _ = ln.Close() }()

	assert.GreaterOrEqual(t, port, 50000)
	assert.Less(t, port, 50100)
	assert.Equal(t, port, ln.Addr().(*net.TCPAddr).Port)

	_, err := net.Listen("tcp", ln.Addr().String())
	assert.Error(t, err, "should not be able to bind to same port")
}

func TestFindAvailablePort_SkipsOccupiedPorts(t *testing.T) {
	requireTCPListener(t)
	ln1, err := net.Listen("tcp", "127.0.0.1:52000")
	if err != nil {
		t.Skipf("port 52000 unavailable: %v", err)
	}
	defer func() { _ = ln1.Close() }()

	port, ln2 := findAvailablePort(52000)
	require.NotNil(t, ln2)
	defer func() { _ = ln2.Close() }()

	assert.NotEqual(t, 52000, port)
	assert.Less(t, port, 52100)
}

func TestListen_ExplicitPortInUse(t *testing.T) {
	requireTCPListener(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	_, _, err = listen(ln.Addr().(*net.TCPAddr).Port)
	assert.ErrorContains(t, err, "could not bind")
}

// =============================================================================
// Runtime files
// =============================================================================

func TestPortFileLifecycle(t *testing.T) {
	require.NoError(t, config.EnsureDirs())

	saveActivePort(12345)
	data, err := os.ReadFile(portFile())
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
	assert.Equal(t, 12345, readActivePort())

	removeActivePort()
	_, err = os.Stat(portFile())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, readActivePort())

	// Removing twice is harmless.
	removeActivePort()
}

func TestServerPIDLifecycle(t *testing.T) {
	require.NoError(t, config.EnsureDirs())

	savePID()
	assert.Equal(t, os.Getpid(), readPID())

	removePID()
	assert.Equal(t, 0, readPID())
}

func TestInstanceLock(t *testing.T) {
	require.NoError(t, config.EnsureDirs())

	ok, err := AcquireLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = ReleaseLock() }()

	ok, err = AcquireLock()
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring in the same process succeeds")

	other := flock.New(lockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, locked, "a second holder must be refused")

	require.NoError(t, ReleaseLock())
	locked, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, other.Unlock())
}

// =============================================================================
// Auth
// =============================================================================

func TestEnsureAuthToken_Persists(t *testing.T) {
	first := ensureAuthToken()
	require.NotEmpty(t, first)
	assert.Equal(t, first, ensureAuthToken())

	info, err := os.Stat(tokenPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := authMiddleware("secret", next)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "health is open", path: "/health", want: http.StatusTeapot},
		{name: "missing token", path: "/status", want: http.StatusUnauthorized},
		{name: "wrong token", path: "/status", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/status", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "valid token", path: "/status", header: "Bearer secret", want: http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// =============================================================================
// Connection resolution
// =============================================================================

func TestResolveConnectBaseURL(t *testing.T) {
	tests := []struct {
		name         string
		target       string
		insecureHTTP bool
		want         string
		wantErr      bool
	}{
		{name: "loopback host:port defaults http", target: "127.0.0.1:1700", want: "http://127.0.0.1:1700"},
		{name: "localhost defaults http", target: "localhost:1700", want: "http://localhost:1700"},
		{name: "ipv6 loopback defaults http", target: "[::1]:1700", want: "http://[::1]:1700"},
		{name: "remote host defaults https", target: "device.lan:1700", want: "https://device.lan:1700"},
		{name: "https URL allowed", target: "https://device.lan:1700", want: "https://device.lan:1700"},
		{name: "path is dropped", target: "https://device.lan:1700/status", want: "https://device.lan:1700"},
		{name: "http URL loopback allowed", target: "http://127.0.0.1:1700", want: "http://127.0.0.1:1700"},
		{name: "http URL remote rejected", target: "http://device.lan:1700", wantErr: true},
		{name: "http URL remote allowed when insecure", target: "http://device.lan:1700", insecureHTTP: true, want: "http://device.lan:1700"},
		{name: "invalid scheme rejected", target: "ftp://device.lan:1700", wantErr: true},
		{name: "missing host rejected", target: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveConnectBaseURL(tt.target, tt.insecureHTTP)
			if tt.wantErr {
				assert.Error(t, err, "result: %s", got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":  true,
		"LOCALHOST":  true,
		"127.0.0.1":  true,
		"127.1.2.3":  true,
		"::1":        true,
		"10.0.0.1":   false,
		"device.lan": false,
		"":           false,
	} {
		assert.Equal(t, want, isLoopbackHost(host), host)
	}
	assert.Equal(t, "::1", hostnameFromTarget("[::1]:1700"))
	assert.Equal(t, "device.lan", hostnameFromTarget("device.lan"))
}

func TestResolveAPIConnection(t *testing.T) {
	require.NoError(t, config.EnsureDirs())
	removeActivePort()

	t.Run("no daemon", func(t *testing.T) {
		url, token, err := resolveAPIConnection(false)
		require.NoError(t, err)
		assert.Empty(t, url)
		assert.Empty(t, token)

		_, _, err = resolveAPIConnection(true)
		assert.ErrorContains(t, err, "not running")
	})

	t.Run("port file", func(t *testing.T) {
		saveActivePort(1777)
		defer removeActivePort()

		url, token, err := resolveAPIConnection(true)
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:1777", url)
		assert.Equal(t, ensureAuthToken(), token)
	})

	t.Run("remote host needs token", func(t *testing.T) {
		t.Setenv("OTAUPDATE_HOST", "device.lan:1700")
		_, _, err := resolveAPIConnection(false)
		assert.ErrorContains(t, err, "no token")

		t.Setenv("OTAUPDATE_TOKEN", "remote-secret")
		url, token, err := resolveAPIConnection(false)
		require.NoError(t, err)
		assert.Equal(t, "https://device.lan:1700", url)
		assert.Equal(t, "remote-secret", token)
	})

	t.Run("loopback host reuses local token", func(t *testing.T) {
		globalHost = "localhost:1700"
		defer func() { globalHost = "" }()

		url, token, err := resolveAPIConnection(false)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:1700", url)
		assert.Equal(t, ensureAuthToken(), token)
	})
}

// =============================================================================
// Error mapping
// =============================================================================

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{update.ErrWrongPhase, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", update.ErrApplyInFlight), http.StatusConflict},
		{update.ErrNotApplying, http.StatusConflict},
		{download.ErrNoBuild, http.StatusConflict},
		{download.ErrPipelineBusy, http.StatusConflict},
		{download.ErrNothingPaused, http.StatusConflict},
		{core.ErrNotDownloading, http.StatusConflict},
		{core.ErrNotPaused, http.StatusConflict},
		{payload.ErrCorruptPackage, http.StatusUnprocessableEntity},
		{staging.ErrPrecondition, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{&core.APIError{StatusCode: http.StatusTeapot, Message: "short and stout"}, http.StatusTeapot},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

// =============================================================================
// Output helpers
// =============================================================================

func TestPrintStatus(t *testing.T) {
	var out strings.Builder
	printStatus(&out, types.Snapshot{
		Global: types.GlobalStatus{Code: types.GlobalDownloading},
		Build: types.BuildInfo{
			Version:                "2.0.0",
			ReleaseTimestampMillis: 1700000000000,
			DownloadURL:            "https://updates.example.com/ota.zip",
			FileSizeBytes:          300_000_000,
		},
		Download: types.DownloadStatus{
			Phase:           types.DownloadDownloading,
			DownloadedBytes: 150_000_000,
			TotalBytes:      300_000_000,
			Percent:         50,
		},
		Update: types.UpdateStatus{Code: types.UpdateNone},
	})

	s := out.String()
	assert.Contains(t, s, "Status:    downloading")
	assert.Contains(t, s, "Build:     2.0.0 (released 2023-11-14)")
	assert.Contains(t, s, "300 MB")
	assert.Contains(t, s, "dl_downloading  150 MB / 300 MB (50%)")
	assert.Contains(t, s, "Apply:     up_none")
	assert.NotContains(t, s, "Staged:")
}

func TestPrintStatus_NoBuildWithFailure(t *testing.T) {
	var out strings.Builder
	printStatus(&out, types.Snapshot{
		Download: types.DownloadStatus{Phase: types.DownloadFailed, Reason: types.ReasonIntegrity},
		Update:   types.UpdateStatus{Code: types.UpdateFailed, Step: types.StepApplyingUpdate, ProgressPercent: 40, Reason: types.ReasonEngine},
	})

	s := out.String()
	assert.Contains(t, s, "Build:     none")
	assert.Contains(t, s, "reason=integrity")
	assert.Contains(t, s, "up_failed  applying_update 40%  reason=engine")
}

func TestProgressLine(t *testing.T) {
	assert.Equal(t, "Download downloading: 1.0 kB / 2.0 kB (50%)", progressLine(types.Snapshot{
		Download: types.DownloadStatus{Phase: types.DownloadDownloading, DownloadedBytes: 1000, TotalBytes: 2000, Percent: 50},
	}))
	assert.Equal(t, "Apply paused: processing_payload 30%", progressLine(types.Snapshot{
		Update: types.UpdateStatus{Code: types.UpdatePaused, Step: types.StepProcessingPayload, ProgressPercent: 30},
	}))
	assert.Equal(t, "Status: reboot_pending", progressLine(types.Snapshot{
		Global: types.GlobalStatus{Code: types.GlobalRebootPending},
	}))
}

func TestParseReleaseTime(t *testing.T) {
	got, err := parseReleaseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1709251200000), got.UnixMilli())

	got, err = parseReleaseTime("2024-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Hour())

	_, err = parseReleaseTime("yesterday")
	assert.Error(t, err)
}

// =============================================================================
// Command tree
// =============================================================================

func TestRootCmd_HasSubcommands(t *testing.T) {
	want := []string{"server", "check", "download", "apply", "status", "watch", "boot-completed", "reset", "settings", "token", "version"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %q", name)
	}

	for _, parent := range []string{"download", "apply"} {
		c, _, err := rootCmd.Find([]string{parent})
		require.NoError(t, err)
		var subs []string
		for _, sub := range c.Commands() {
			subs = append(subs, sub.Name())
		}
		assert.ElementsMatch(t, []string{"start", "pause", "resume", "cancel"}, subs, parent)
	}
}

func TestVersion_DefaultValue(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "unknown", BuildTime)

	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "otaupdate dev (built unknown)\n", out)
}
