package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// RemoteUpdateService implements UpdateService for a remote daemon.
type RemoteUpdateService struct {
	BaseURL   string
	Token     string
	Client    *http.Client
	SSEClient *http.Client
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRemoteUpdateService creates a new remote service instance.
func NewRemoteUpdateService(baseURL string, token string) *RemoteUpdateService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteUpdateService{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		Client:    &http.Client{Timeout: 30 * time.Second},
		SSEClient: &http.Client{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// requestContext ties ctx to the service lifetime.
func (s *RemoteUpdateService) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *RemoteUpdateService) doRequest(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+s.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		// Limit error body read to 1KB to prevent DoS
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *RemoteUpdateService) post(ctx context.Context, path string) error {
	return s.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// Status returns every persisted status row.
func (s *RemoteUpdateService) Status(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := s.doRequest(ctx, http.MethodGet, "/status", nil, &snap)
	return snap, err
}

// RecordBuild offers a discovered build to the daemon.
func (s *RemoteUpdateService) RecordBuild(ctx context.Context, info types.BuildInfo) (bool, error) {
	var result struct {
		Recorded bool `json:"recorded"`
	}
	err := s.doRequest(ctx, http.MethodPost, "/build", info, &result)
	return result.Recorded, err
}

// StartDownload begins a fresh download.
func (s *RemoteUpdateService) StartDownload(ctx context.Context) (string, error) {
	var result struct {
		TaskID string `json:"task_id"`
	}
	err := s.doRequest(ctx, http.MethodPost, "/download/start", nil, &result)
	return result.TaskID, err
}

func (s *RemoteUpdateService) PauseDownload(ctx context.Context) error {
	return s.post(ctx, "/download/pause")
}

func (s *RemoteUpdateService) ResumeDownload(ctx context.Context) error {
	return s.post(ctx, "/download/resume")
}

func (s *RemoteUpdateService) CancelDownload(ctx context.Context) error {
	return s.post(ctx, "/download/cancel")
}

func (s *RemoteUpdateService) StartUpdate(ctx context.Context) error {
	return s.post(ctx, "/update/start")
}

func (s *RemoteUpdateService) PauseUpdate(ctx context.Context) error {
	return s.post(ctx, "/update/pause")
}

func (s *RemoteUpdateService) ResumeUpdate(ctx context.Context) error {
	return s.post(ctx, "/update/resume")
}

func (s *RemoteUpdateService) CancelUpdate(ctx context.Context) error {
	return s.post(ctx, "/update/cancel")
}

// BootCompleted reports a boot to the daemon.
func (s *RemoteUpdateService) BootCompleted(ctx context.Context) (bool, error) {
	var result struct {
		Consumed bool `json:"consumed"`
	}
	err := s.doRequest(ctx, http.MethodPost, "/boot-completed", nil, &result)
	return result.Consumed, err
}

func (s *RemoteUpdateService) Reset(ctx context.Context) error {
	return s.post(ctx, "/reset")
}

// Shutdown stops the service.
func (s *RemoteUpdateService) Shutdown() error {
	s.cancel()
	return nil
}

// StreamEvents returns a channel that receives status changes via SSE. The
// stream reconnects with exponential backoff until ctx is done or the
// returned cancel func runs.
func (s *RemoteUpdateService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	ctx, cancel := s.requestContext(ctx)
	ch := make(chan any, 100)
	go s.streamWithReconnect(ctx, ch)
	return ch, cancel, nil
}

func newStreamBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (s *RemoteUpdateService) streamWithReconnect(ctx context.Context, ch chan any) {
	defer close(ch)
	b := newStreamBackOff()
	for {
		connected, err := s.connectSSE(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		utils.Debug("Remote: event stream lost (%v), reconnecting in %s", err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectSSE reads one event stream until it fails. connected reports
// whether the daemon accepted the stream.
func (s *RemoteUpdateService) connectSSE(ctx context.Context, ch chan any) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/events", nil)
	if err != nil {
		return false, err
	}

	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := s.SSEClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("failed to connect to event stream: %s", resp.Status)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		name, data, err := readEvent(reader)
		if err != nil {
			return true, err
		}
		if name == "" || len(data) == 0 {
			continue
		}
		msg, err := events.Decode(name, data)
		if err != nil {
			utils.Debug("Remote: dropping event %q: %v", name, err)
			continue
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// readEvent reads up to the blank line that dispatches an SSE event.
func readEvent(reader *bufio.Reader) (string, []byte, error) {
	eventType := ""
	var dataLines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			return eventType, []byte(strings.Join(dataLines, "\n")), nil
		case strings.HasPrefix(line, ":"):
			// Comment/heartbeat
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
