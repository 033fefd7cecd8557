// Package cache implements the shared on-disk artifact cache:
// checked-out artifacts under <directory>/artifacts/<id>,
// content-addressed on disk, filled at most once per artifact id via a
// single-flight group, with atomic no-replace renames.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
)

// Cache is the artifacts directory plus its fill coordination state.
type Cache struct {
	dir    string
	idx    index.Index
	group  singleflight.Group
	logger zerolog.Logger
}

// New constructs a Cache rooted at dir. idx may be nil in tests; cache
// entries are then not recorded.
func New(dir string, idx index.Index) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir, idx: idx, logger: log.WithComponent("cache")}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Path returns the on-disk location of an artifact, whether or not it is
// materialized yet.
func (c *Cache) Path(id object.ID) string {
	return filepath.Join(c.dir, string(id))
}

// Contains reports whether the artifact is already materialized.
func (c *Cache) Contains(id object.ID) bool {
	_, err := os.Lstat(c.Path(id))
	return err == nil
}

// Ensure materializes the artifact if absent, returning its cache path.
// Concurrent calls for the same id coordinate through a single-flight
// group: at most one materializer runs; followers await its result.
// materialize writes the artifact into the target path it is given (a
// temp sibling); Ensure performs the final atomic rename.
func (c *Cache) Ensure(ctx context.Context, id object.ID, materialize func(ctx context.Context, target string) error) (string, error) {
	final := c.Path(id)
	_, err, _ := c.group.Do(string(id), func() (interface{}, error) {
		if _, err := os.Lstat(final); err == nil {
			c.touch(ctx, id)
			return nil, nil
		}
		tmp := final + ".tmp"
		if err := os.RemoveAll(tmp); err != nil {
			return nil, fmt.Errorf("cache fill %s: %w", id, err)
		}
		if err := materialize(ctx, tmp); err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("cache fill %s: %w", id, err)
		}
		if err := renameNoReplace(tmp, final); err != nil {
			os.RemoveAll(tmp)
			// a concurrent server process may have won the rename; the
			// content under a content-addressed path is identical either
			// way
			if errors.Is(err, os.ErrExist) {
				c.touch(ctx, id)
				return nil, nil
			}
			return nil, fmt.Errorf("cache fill %s: %w", id, err)
		}
		c.touch(ctx, id)
		c.logger.Debug().Str("artifact_id", string(id)).Msg("cache entry materialized")
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

func (c *Cache) touch(ctx context.Context, id object.ID) {
	if c.idx == nil {
		return
	}
	if err := c.idx.PutCacheEntry(ctx, id, c.Path(id), time.Now()); err != nil {
		c.logger.Warn().Err(err).Str("artifact_id", string(id)).Msg("cache entry touch failed")
	}
}
