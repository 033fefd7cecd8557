//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Child is the entry point of the re-executed sandbox child (invoked by
// cmd/tangram's hidden sandbox-child command). It runs inside the fresh
// namespaces the parent created: it performs the requested mounts,
// pivot_roots into the sandbox, chdirs, and execs the payload. It never returns on success.
func Child(specPath string) error {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	var sp spec
	if err := json.Unmarshal(data, &sp); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	// make every mount in this namespace private so nothing propagates
	// back to the host
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	// the new root must itself be a mount point for pivot_root
	if err := unix.Mount(sp.Root, sp.Root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind root: %w", err)
	}

	for _, m := range sp.Mounts {
		dest := filepath.Join(sp.Root, m.Destination)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dest, err)
		}
		var flags uintptr
		var fstype, data string
		readOnly := false
		switch m.Type {
		case "bind":
			flags = unix.MS_BIND | unix.MS_REC
			for _, o := range m.Options {
				if o == "ro" {
					readOnly = true
				}
			}
		case "proc":
			fstype = "proc"
		case "tmpfs":
			fstype = "tmpfs"
			data = strings.Join(m.Options, ",")
		case "overlay":
			fstype = "overlay"
			data = strings.Join(m.Options, ",")
		default:
			return fmt.Errorf("unsupported mount type %q", m.Type)
		}
		if err := unix.Mount(m.Source, dest, fstype, flags, data); err != nil {
			return fmt.Errorf("mount %s on %s: %w", m.Source, dest, err)
		}
		if readOnly {
			// a bind mount ignores ro on the initial call; remount to
			// apply it
			if err := unix.Mount("", dest, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", dest, err)
			}
		}
	}

	oldRoot := filepath.Join(sp.Root, ".old-root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir old root: %w", err)
	}
	if err := unix.PivotRoot(sp.Root, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/.old-root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	_ = os.Remove("/.old-root")

	cwd := sp.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("chdir %s: %w", cwd, err)
	}

	exe := sp.Executable
	if !strings.Contains(exe, "/") {
		// execvpe semantics: resolve through PATH from the child env
		resolved, err := lookPath(exe, sp.Env)
		if err != nil {
			return err
		}
		exe = resolved
	}
	if err := unix.Exec(exe, sp.Args, sp.Env); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}

func lookPath(name string, env []string) (string, error) {
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			for _, dir := range filepath.SplitList(strings.TrimPrefix(e, "PATH=")) {
				candidate := filepath.Join(dir, name)
				if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
					return candidate, nil
				}
			}
			return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}
