//go:build linux || darwin

package checkin

import "golang.org/x/sys/unix"

// getXattr reads an extended attribute, returning an error when absent.
func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil || size <= 0 {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func setXattr(path, name string, value []byte) error {
	return unix.Setxattr(path, name, value, 0)
}
