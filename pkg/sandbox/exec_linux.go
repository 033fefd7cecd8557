//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// exec launches the re-executed child in fresh user+PID+mount namespaces.
// The Go runtime performs the clone, writes the child's uid_map/gid_map,
// and denies setgroups before the child runs, all via SysProcAttr.
func (r *Runtime) exec(ctx context.Context, sp spec, logPath string) (int, error) {
	data, err := json.Marshal(sp)
	if err != nil {
		return 125, fmt.Errorf("marshal sandbox spec: %w", err)
	}
	specPath := filepath.Join(filepath.Dir(sp.Root), "spec.json")
	if err := os.WriteFile(specPath, data, 0o600); err != nil {
		return 125, fmt.Errorf("write sandbox spec: %w", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return 125, fmt.Errorf("create log: %w", err)
	}
	defer logFile.Close()

	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}

	cmd := exec.CommandContext(ctx, self, "sandbox-child", specPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	flags := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS)
	if !sp.Network {
		// network=false: the child gets its own empty net namespace
		// instead of the host's
		flags |= syscall.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: flags,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 125, fmt.Errorf("sandbox child: %w", err)
}
