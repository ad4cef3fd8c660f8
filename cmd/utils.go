package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/core"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

const healthTimeout = 2 * time.Second

// readActivePort reads the port from the port file
func readActivePort() int {
	data, err := os.ReadFile(portFile())
	if err != nil {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(string(data), "%d", &port)
	return port
}

func resolveLocalToken() string {
	if token := strings.TrimSpace(globalToken); token != "" {
		return token
	}
	if token := strings.TrimSpace(os.Getenv("OTAUPDATE_TOKEN")); token != "" {
		return token
	}
	return ensureAuthToken()
}

func resolveHostTarget() string {
	if host := strings.TrimSpace(globalHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv("OTAUPDATE_HOST"))
}

// resolveTokenForTarget only falls back to the local token file for
// loopback targets.
func resolveTokenForTarget(target string) (string, error) {
	if token := strings.TrimSpace(globalToken); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(os.Getenv("OTAUPDATE_TOKEN")); token != "" {
		return token, nil
	}
	host := hostnameFromTarget(target)
	if strings.Contains(target, "://") {
		if baseURL, err := resolveConnectBaseURL(target, true); err == nil {
			host = hostnameFromTarget(strings.SplitN(baseURL, "://", 2)[1])
		}
	}
	if isLoopbackHost(host) {
		return ensureAuthToken(), nil
	}
	return "", errors.New("no token provided. Use --token or set OTAUPDATE_TOKEN")
}

// resolveAPIConnection returns the daemon base URL and token. An empty URL
// with a nil error means no daemon is known and requireServer is false.
func resolveAPIConnection(requireServer bool) (string, string, error) {
	target := resolveHostTarget()
	if target == "" {
		port := readActivePort()
		if port > 0 {
			return fmt.Sprintf("http://127.0.0.1:%d", port), resolveLocalToken(), nil
		}
		if !requireServer {
			return "", "", nil
		}
		return "", "", errors.New("otaupdate is not running locally. start it or pass --host (or set OTAUPDATE_HOST)")
	}

	baseURL, err := resolveConnectBaseURL(target, false)
	if err != nil {
		return "", "", err
	}
	token, err := resolveTokenForTarget(target)
	if err != nil {
		return "", "", err
	}
	return baseURL, token, nil
}

// daemonAlive probes the unauthenticated health endpoint.
func daemonAlive(baseURL string) bool {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/health")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// session is the service a command talks to.
type session struct {
	svc   core.UpdateService
	local bool
	close func()
}

// openSession connects to the daemon when one is running, and otherwise
// opens the pipeline in-process under the single-instance lock. An explicit
// --host never falls back to in-process.
func openSession(ctx context.Context) (*session, error) {
	baseURL, token, err := resolveAPIConnection(false)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		if resolveHostTarget() != "" || daemonAlive(baseURL) {
			svc := core.NewRemoteUpdateService(baseURL, token)
			return &session{svc: svc, close: func() { _ = svc.Shutdown() }}, nil
		}
		utils.Debug("Stale port file for %s, running in-process", baseURL)
	}
	return openLocalSession(ctx)
}

func openLocalSession(ctx context.Context, opts ...core.PipelineOption) (*session, error) {
	settings, err := initializeGlobalState()
	if err != nil {
		return nil, err
	}

	isMaster, err := AcquireLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !isMaster {
		return nil, errors.New("another otaupdate process holds the pipeline; is the server starting?")
	}

	pipeline, err := core.OpenPipeline(ctx, settings, opts...)
	if err != nil {
		_ = ReleaseLock()
		return nil, err
	}
	svc := core.NewLocalUpdateService(pipeline)
	return &session{
		svc:   svc,
		local: true,
		close: func() {
			if err := svc.Shutdown(); err != nil {
				utils.Debug("Error shutting down pipeline: %v", err)
			}
			if err := ReleaseLock(); err != nil {
				utils.Debug("Error releasing lock: %v", err)
			}
		},
	}, nil
}

// withSession runs fn against the current session. Tests replace it to
// inject a service.
var withSession = func(ctx context.Context, fn func(s *session) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

// settingsOrDefault loads settings for read-only use.
func settingsOrDefault() *config.Settings {
	settings, err := config.LoadSettings()
	if err != nil {
		return config.DefaultSettings()
	}
	return settings
}
