//go:build darwin

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// exec launches the child under sandbox-exec with an SBPL profile
// generated from the mounts and network setting.
func (r *Runtime) exec(ctx context.Context, sp spec, logPath string) (int, error) {
	profile := buildProfile(sp)
	profilePath := filepath.Join(filepath.Dir(sp.Root), "profile.sb")
	if err := os.WriteFile(profilePath, []byte(profile), 0o600); err != nil {
		return 125, fmt.Errorf("write sandbox profile: %w", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return 125, fmt.Errorf("create log: %w", err)
	}
	defer logFile.Close()

	args := append([]string{"-f", profilePath, sp.Executable}, sp.Args[1:]...)
	cmd := exec.CommandContext(ctx, "/usr/bin/sandbox-exec", args...)
	cmd.Env = sp.Env
	cmd.Dir = sp.Cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile

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

// buildProfile generates the SBPL profile: deny-by-default, allow reads of
// the mounted artifacts, writes to the output directory, and network only
// when requested.
func buildProfile(sp spec) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n")
	b.WriteString("(allow process-exec)\n(allow process-fork)\n(allow signal (target self))\n")
	b.WriteString("(allow sysctl-read)\n(allow mach-lookup)\n")
	for _, m := range sp.Mounts {
		readOnly := false
		for _, o := range m.Options {
			if o == "ro" {
				readOnly = true
			}
		}
		b.WriteString(fmt.Sprintf("(allow file-read* (subpath %q))\n", m.Source))
		if !readOnly {
			b.WriteString(fmt.Sprintf("(allow file-write* (subpath %q))\n", m.Source))
		}
	}
	b.WriteString(fmt.Sprintf("(allow file-read* file-write* (subpath %q))\n", sp.Root))
	if sp.Network {
		b.WriteString("(allow network*)\n")
	}
	return b.String()
}
