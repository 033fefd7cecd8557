package checkin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangramdev/tangram/pkg/object"
)

// LockFileName is the sibling file a lock is written to when xattrs are
// not requested.
const LockFileName = "tangram.lock"

// LockXattr is the extended attribute a lock is written under when the
// xattr option is chosen.
const LockXattr = "user.tangram.lock"

// DependenciesXattr carries a file's declared dependency references.
const DependenciesXattr = "user.tangram.dependencies"

// LockNode is one node of the lock: the path it describes plus its
// resolved dependency edges, pattern -> id.
type LockNode struct {
	Path         string               `json:"path"`
	Dependencies map[string]object.ID `json:"dependencies,omitempty"`
	// Unresolved lists references left unsolved when the caller allowed
	// it (unsolved_dependencies=true).
	Unresolved []string `json:"unresolved,omitempty"`
}

// Lock captures the resolved dependency graph of a checkin.
type Lock struct {
	Nodes []LockNode `json:"nodes"`
}

// Pins flattens the lock into pattern -> id, the solver's pin input.
func (l *Lock) Pins() map[string]object.ID {
	pins := make(map[string]object.ID)
	for _, n := range l.Nodes {
		for pattern, id := range n.Dependencies {
			pins[pattern] = id
		}
	}
	return pins
}

// ReadLock loads the lock for root, trying the sibling file first, then
// the xattr. A missing lock returns (nil, nil).
func ReadLock(root string) (*Lock, error) {
	data, err := os.ReadFile(filepath.Join(root, LockFileName))
	if os.IsNotExist(err) {
		data, err = getXattr(root, LockXattr)
		if err != nil {
			return nil, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &lock, nil
}

// WriteLock persists the lock as a sibling file or as an xattr on the
// root, per the checkin options.
func WriteLock(root string, lock *Lock, asXattr bool) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if asXattr {
		if err := setXattr(root, LockXattr, data); err != nil {
			return fmt.Errorf("write lock xattr: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(filepath.Join(root, LockFileName), data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}
