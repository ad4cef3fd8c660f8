package cmd

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/surge-downloader/otaupdate/internal/config"
)

var (
	instanceLockMu sync.Mutex
	instanceLock   *flock.Flock
)

func lockPath() string {
	return filepath.Join(config.GetRuntimeDir(), "otaupdate.lock")
}

// AcquireLock takes the single-instance lock without blocking. It reports
// false when another daemon holds it.
func AcquireLock() (bool, error) {
	instanceLockMu.Lock()
	defer instanceLockMu.Unlock()

	if instanceLock != nil && instanceLock.Locked() {
		return true, nil
	}
	if err := os.MkdirAll(config.GetRuntimeDir(), 0o755); err != nil {
		return false, err
	}
	fl := flock.New(lockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		instanceLock = fl
	}
	return locked, nil
}

// ReleaseLock releases the lock taken by AcquireLock.
func ReleaseLock() error {
	instanceLockMu.Lock()
	defer instanceLockMu.Unlock()

	if instanceLock == nil {
		return nil
	}
	err := instanceLock.Unlock()
	instanceLock = nil
	return err
}
