package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/surge-downloader/otaupdate/internal/config"
)

// Settings returns defaults rooted in a temp dir, tuned for fast tests: the
// simulated engine, no host constraints and short retry delays. The staging
// directory is created with mode 0770 the way an installer would.
func Settings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	s := config.DefaultSettings()
	s.General.StagingDir = filepath.Join(dir, "staging")
	if err := os.Mkdir(s.General.StagingDir, 0o770); err != nil {
		t.Fatalf("create staging dir: %v", err)
	}
	if err := os.Chmod(s.General.StagingDir, 0o770); err != nil {
		t.Fatalf("chmod staging dir: %v", err)
	}
	s.General.CacheDir = filepath.Join(dir, "cache")
	s.Network.RequireNetwork = false
	s.Network.WorkerBufferSize = 32 * config.KB
	s.Download.MinFreeBytes = 0
	s.Download.RetryBaseDelay = 10 * time.Millisecond
	s.Download.MaxTaskRetries = 2
	s.Download.ProgressPersistInterval = time.Millisecond
	s.Engine.Kind = config.EngineSimulated
	s.Engine.WakeLock = false
	return s
}
