package update

import (
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/surge-downloader/otaupdate/internal/utils"
)

// WakeLock keeps the device from sleeping or shutting down while an update
// is written to the inactive slot.
type WakeLock interface {
	Acquire() error
	Release()
}

type noopWakeLock struct{}

func (noopWakeLock) Acquire() error { return nil }
func (noopWakeLock) Release()       {}

const (
	logindService   = "org.freedesktop.login1"
	logindPath      = dbus.ObjectPath("/org/freedesktop/login1")
	logindInhibit   = "org.freedesktop.login1.Manager.Inhibit"
	inhibitWhat     = "sleep:shutdown"
	inhibitMode     = "block"
	inhibitWho      = "otaupdate"
	inhibitWhyApply = "Applying system update"
)

// LogindInhibitor takes a systemd-logind block inhibitor. The lock lives as
// long as the returned file descriptor stays open.
type LogindInhibitor struct {
	mu   sync.Mutex
	conn *dbus.Conn
	fd   *os.File
}

func NewLogindInhibitor() *LogindInhibitor {
	return &LogindInhibitor{}
}

// Acquire takes the inhibitor. Calling it while held is a no-op.
func (l *LogindInhibitor) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd != nil {
		return nil
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	var fd dbus.UnixFD
	err = conn.Object(logindService, logindPath).
		Call(logindInhibit, 0, inhibitWhat, inhibitWho, inhibitWhyApply, inhibitMode).
		Store(&fd)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("inhibit %s: %w", inhibitWhat, err)
	}

	l.conn = conn
	l.fd = os.NewFile(uintptr(fd), "logind-inhibit")
	utils.Debug("Apply: holding %s inhibitor", inhibitWhat)
	return nil
}

// Release drops the inhibitor if held.
func (l *LogindInhibitor) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return
	}
	if err := l.fd.Close(); err != nil {
		utils.Debug("Apply: closing inhibitor fd: %v", err)
	}
	if err := l.conn.Close(); err != nil {
		utils.Debug("Apply: closing system bus: %v", err)
	}
	l.fd, l.conn = nil, nil
	utils.Debug("Apply: released %s inhibitor", inhibitWhat)
}
