package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// ArtifactsDir is the root of the on-disk content-addressed artifacts
// cache that CacheReference values point into. It is set once at server startup from config.StoreConfig.
var ArtifactsDir string

// Dereference resolves an Entry to its bytes, reading through a
// CacheReference via mmap when the entry is one rather than inline bytes.
func Dereference(e Entry) ([]byte, error) {
	if !e.IsCacheReference() {
		return e.Bytes, nil
	}
	ref := e.Reference
	path := filepath.Join(ArtifactsDir, string(ref.ArtifactID), ref.Subpath)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open cache reference %s: %v", tgerror.ErrNotFound, path, err)
	}
	defer f.Close()

	if ref.Length == 0 {
		return []byte{}, nil
	}

	m, err := mmap.MapRegion(f, int(ref.Length), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap cache reference %s: %w", path, err)
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}
