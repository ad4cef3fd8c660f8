package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/testutil"
)

const testToken = "test-token"

func newAPIServer(t *testing.T) (*core.LocalUpdateService, string) {
	t.Helper()
	svc := newTestService(t)
	server := testutil.NewHTTPServerT(t, newAPIHandler(svc, svc.Pipeline().Metrics.Handler(), testToken, 1700))
	t.Cleanup(server.Close)
	return svc, server.URL
}

func apiRequest(t *testing.T, method, url, body string, auth bool) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_Health(t *testing.T) {
	_, base := newAPIServer(t)

	resp := apiRequest(t, http.MethodGet, base+"/health", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1700), body["port"])
	assert.Equal(t, Version, body["version"])
}

func TestAPI_RequiresToken(t *testing.T) {
	_, base := newAPIServer(t)

	for _, path := range []string{"/status", "/metrics", "/events", "/reset"} {
		resp := apiRequest(t, http.MethodGet, base+path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAPI_Status(t *testing.T) {
	_, base := newAPIServer(t)

	resp := apiRequest(t, http.MethodGet, base+"/status", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap types.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, types.GlobalNone, snap.Global.Code)
	assert.Equal(t, types.DownloadNotStarted, snap.Download.Phase)
	assert.True(t, snap.Build.IsZero())
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	_, base := newAPIServer(t)

	assert.Equal(t, http.StatusMethodNotAllowed, apiRequest(t, http.MethodPost, base+"/status", "", true).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, apiRequest(t, http.MethodGet, base+"/build", "", true).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, apiRequest(t, http.MethodGet, base+"/download/start", "", true).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, apiRequest(t, http.MethodDelete, base+"/update/cancel", "", true).StatusCode)
}

func TestAPI_BuildValidation(t *testing.T) {
	_, base := newAPIServer(t)

	resp := apiRequest(t, http.MethodPost, base+"/build", "{not json", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = apiRequest(t, http.MethodPost, base+"/build", `{"version":"2.0"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "download_url")
}

func TestAPI_WrongPhaseIsConflict(t *testing.T) {
	_, base := newAPIServer(t)

	for _, path := range []string{"/download/start", "/download/pause", "/download/resume", "/update/start", "/update/pause"} {
		resp := apiRequest(t, http.MethodPost, base+path, "", true)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
	}
}

func TestAPI_Metrics(t *testing.T) {
	_, base := newAPIServer(t)

	resp := apiRequest(t, http.MethodGet, base+"/metrics", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "otaupdate_download_bytes_total")
}

func TestAPI_EventsStartWithSnapshot(t *testing.T) {
	svc, base := newAPIServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() (string, []byte) {
		var name string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				return name, []byte(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	var names []string
	for i := 0; i < 4; i++ {
		name, _ := nextEvent()
		names = append(names, name)
	}
	assert.Equal(t, []string{events.NameBuild, events.NameGlobal, events.NameDownload, events.NameUpdate}, names)

	build := testBuild(t)
	_, err = svc.RecordBuild(context.Background(), build)
	require.NoError(t, err)

	for {
		name, data := nextEvent()
		if name != events.NameBuild {
			continue
		}
		msg, err := events.Decode(name, data)
		require.NoError(t, err)
		assert.Equal(t, build, msg.(events.BuildChangedMsg).Build)
		break
	}
}

func TestAPI_RemoteFullCycle(t *testing.T) {
	_, base := newAPIServer(t)
	remote := core.NewRemoteUpdateService(base, testToken)
	defer func() { _ = remote.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorded, err := remote.RecordBuild(ctx, testBuild(t))
	require.NoError(t, err)
	require.True(t, recorded)

	_, err = remote.StartDownload(ctx)
	require.NoError(t, err)

	var out strings.Builder
	snap, err := waitFor(ctx, remote, &out, downloadSettled)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadFinished, snap.Download.Phase)

	require.Eventually(t, func() bool {
		s, err := remote.Status(ctx)
		return err == nil && s.Global.Code == types.GlobalUpdatePending
	}, 10*time.Second, 5*time.Millisecond)

	require.NoError(t, remote.StartUpdate(ctx))
	snap, err = waitFor(ctx, remote, &out, applySettled)
	require.NoError(t, err)
	assert.Equal(t, types.UpdateFinished, snap.Update.Code)
	assert.Contains(t, out.String(), "Download ")

	consumed, err := remote.BootCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, consumed)

	final, err := remote.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalNone, final.Global.Code)
}

func TestRunServer_ServesUntilCancelled(t *testing.T) {
	requireTCPListener(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	done := make(chan error, 1)
	var out strings.Builder
	settings, opts := testutil.Settings(t), testPipelineOptions(t)
	go func() {
		done <- runServer(ctx, settings, ln, port, &out, func() { close(ready) }, opts...)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server never became ready")
	}

	data, err := os.ReadFile(portFile())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(port), string(data))

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	assert.True(t, daemonAlive(base))

	remote := core.NewRemoteUpdateService(base, ensureAuthToken())
	defer func() { _ = remote.Shutdown() }()
	snap, err := remote.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalNone, snap.Global.Code)

	// An open event stream must not hold up shutdown.
	stream, stop, err := remote.StreamEvents(ctx)
	require.NoError(t, err)
	defer stop()
	select {
	case <-stream:
	case <-time.After(5 * time.Second):
		t.Fatal("no initial event")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = os.Stat(portFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, daemonAlive(base))
	assert.Contains(t, out.String(), "Shutting down")
}
