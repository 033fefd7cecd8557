//go:build darwin

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openPtyFiles allocates a master/slave PTY pair via posix_openpt
// semantics on macOS.
func openPtyFiles() (master, slave *os.File, err error) {
	m, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open ptmx: %w", err)
	}

	name, err := unix.Ptsname(int(m.Fd()))
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("ptsname: %w", err)
	}
	if err := unix.Grantpt(int(m.Fd())); err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("grantpt: %w", err)
	}
	if err := unix.Unlockpt(int(m.Fd())); err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("unlockpt: %w", err)
	}

	s, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("open pts: %w", err)
	}
	return m, s, nil
}
