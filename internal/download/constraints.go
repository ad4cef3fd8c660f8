package download

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

var (
	ErrNoNetwork  = errors.New("no usable network interface")
	ErrLowStorage = errors.New("free storage below minimum")
)

// Constraints gate when a task may run.
type Constraints struct {
	RequireNetwork bool
	MinFreeBytes   int64
	Path           string // filesystem checked for free space
}

// ConstraintCheck returns nil when c is met.
type ConstraintCheck func(c Constraints) error

// CheckConstraints inspects the host with gopsutil.
func CheckConstraints(c Constraints) error {
	if c.RequireNetwork {
		ifaces, err := net.Interfaces()
		if err != nil {
			return fmt.Errorf("list interfaces: %w", err)
		}
		if !hasUsableInterface(ifaces) {
			return ErrNoNetwork
		}
	}
	if c.MinFreeBytes > 0 && c.Path != "" {
		usage, err := disk.Usage(c.Path)
		if err != nil {
			return fmt.Errorf("disk usage %s: %w", c.Path, err)
		}
		if usage.Free < uint64(c.MinFreeBytes) {
			return fmt.Errorf("%w: %d free, %d required", ErrLowStorage, usage.Free, c.MinFreeBytes)
		}
	}
	return nil
}

func hasUsableInterface(ifaces net.InterfaceStatList) bool {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}
