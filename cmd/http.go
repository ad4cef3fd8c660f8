package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/download"
	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/payload"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/update"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

const (
	defaultPort       = 1700
	maxBuildBodyBytes = 64 * 1024
	sseHeartbeat      = 15 * time.Second
)

// findAvailablePort tries ports starting from 'start' until one is available
func findAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

func portFile() string {
	return filepath.Join(config.GetRuntimeDir(), "port")
}

// saveActivePort writes the active port for CLI discovery
func saveActivePort(port int) {
	if err := os.MkdirAll(config.GetRuntimeDir(), 0o755); err != nil {
		utils.Debug("Error creating runtime dir: %v", err)
	}
	if err := os.WriteFile(portFile(), []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
		utils.Debug("Error writing port file: %v", err)
	}
	utils.Debug("HTTP server listening on port %d", port)
}

// removeActivePort cleans up the port file on exit
func removeActivePort() {
	if err := os.Remove(portFile()); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing port file: %v", err)
	}
}

// statusForError maps pipeline errors to HTTP status codes.
func statusForError(err error) int {
	var apiErr *core.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.StatusCode
	case errors.Is(err, update.ErrWrongPhase),
		errors.Is(err, update.ErrApplyInFlight),
		errors.Is(err, update.ErrNotApplying),
		errors.Is(err, download.ErrNoBuild),
		errors.Is(err, download.ErrPipelineBusy),
		errors.Is(err, download.ErrNothingPaused),
		errors.Is(err, core.ErrNotDownloading),
		errors.Is(err, core.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, payload.ErrCorruptPackage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, staging.ErrPrecondition):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Debug("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		utils.Debug("API error: %v", err)
	}
	http.Error(w, err.Error(), code)
}

// method rejects requests with a different HTTP method.
func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// action serves a POST endpoint that takes no body.
func action(fn func(ctx context.Context) error) http.HandlerFunc {
	return method(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// newAPIHandler builds the daemon API around svc.
func newAPIHandler(svc core.UpdateService, metricsHandler http.Handler, token string, port int) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":  "ok",
			"port":    port,
			"version": Version,
		})
	})

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	mux.HandleFunc("/status", method(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}))

	mux.HandleFunc("/build", method(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var info types.BuildInfo
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBuildBodyBytes)).Decode(&info); err != nil {
			http.Error(w, "Invalid build: "+err.Error(), http.StatusBadRequest)
			return
		}
		if info.DownloadURL == "" {
			http.Error(w, "Invalid build: download_url is required", http.StatusBadRequest)
			return
		}
		recorded, err := svc.RecordBuild(r.Context(), info)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"recorded": recorded})
	}))

	mux.HandleFunc("/download/start", method(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		id, err := svc.StartDownload(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"task_id": id})
	}))
	mux.HandleFunc("/download/pause", action(svc.PauseDownload))
	mux.HandleFunc("/download/resume", action(svc.ResumeDownload))
	mux.HandleFunc("/download/cancel", action(svc.CancelDownload))

	mux.HandleFunc("/update/start", action(svc.StartUpdate))
	mux.HandleFunc("/update/pause", action(svc.PauseUpdate))
	mux.HandleFunc("/update/resume", action(svc.ResumeUpdate))
	mux.HandleFunc("/update/cancel", action(svc.CancelUpdate))

	mux.HandleFunc("/boot-completed", method(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		consumed, err := svc.BootCompleted(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"consumed": consumed})
	}))
	mux.HandleFunc("/reset", action(svc.Reset))

	mux.HandleFunc("/events", method(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		serveEvents(w, r, svc)
	}))

	return authMiddleware(token, mux)
}

// serveEvents streams status changes as server-sent events. The current
// rows are sent first so a client never starts from a blank view.
func serveEvents(w http.ResponseWriter, r *http.Request, svc core.UpdateService) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	stream, cancel, err := svc.StreamEvents(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	snap, err := svc.Status(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, msg := range []any{
		events.BuildChangedMsg{Build: snap.Build},
		events.GlobalChangedMsg{Status: snap.Global},
		events.DownloadChangedMsg{Status: snap.Download},
		events.UpdateChangedMsg{Status: snap.Update},
	} {
		if err := writeEvent(w, msg); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg any) error {
	name := events.Name(msg)
	if name == "" {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		utils.Debug("Error encoding %s event: %v", name, err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
