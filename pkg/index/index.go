// Package index implements tangram's metadata database: rolled-up
// object/process metadata, the tag trie, the cache-entry table, and the
// durable incoming write queue the indexer drains from the messenger.
// Two backends share one schema (schema.go): sqlite for a single node,
// postgres for a multi-node deployment.
package index

import (
	"context"
	"time"

	"github.com/tangramdev/tangram/pkg/object"
)

// Stored is a bitfield describing which parts of a process have been
// indexed — a process's node row can exist before its command/log/error/
// output blobs have finished streaming in.
type Stored uint8

const (
	StoredNode Stored = 1 << iota
	StoredSubtree
	StoredCommand
	StoredLog
	StoredError
	StoredOutput
)

// Has reports whether all bits in want are set.
func (s Stored) Has(want Stored) bool { return s&want == want }

// ObjectRow is one row of the objects table.
type ObjectRow struct {
	ID              object.ID
	NodeSize        int64
	NodeSolvable    bool
	NodeSolved      bool
	SubtreeCount    int64
	SubtreeDepth    int64
	SubtreeSize     int64
	SubtreeSolvable bool
	SubtreeSolved   bool
	TouchedAt       time.Time
}

// ProcessRow is one row of the processes table.
type ProcessRow struct {
	ID                object.ID
	Status            string
	Command           object.ID
	Log               object.ID
	Error             object.ID
	Output            object.ID
	Exit              *int32
	ExpectedChecksum  string
	ActualChecksum    string
	Host              string
	Network           bool
	Cacheable         bool
	Retry             int
	MountsJSON        string
	Stored            Stored
	CreatedAt         time.Time
	EnqueuedAt        *time.Time
	DequeuedAt        *time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	TouchedAt         time.Time
	HeartbeatAt       *time.Time
	TokenCount        int64
}

// TagRow is one node of the tag trie.
type TagRow struct {
	ID        int64
	Component string
	Item      *object.ID
}

// QueueMessage is one durable entry of the incoming write queue, consumed
// by the indexer off the messenger.
type QueueMessage struct {
	Sequence int64
	Payload  []byte
	Acked    bool
}

// Index is the behavior interface both backends implement.
type Index interface {
	PutObject(ctx context.Context, row ObjectRow) error
	PutObjectChildren(ctx context.Context, parent object.ID, children []object.ID) error

	// TouchAndGetObject bumps touched_at and returns the row in one
	// round-trip — the hot path used by sync.
	TouchAndGetObject(ctx context.Context, id object.ID, ts time.Time) (ObjectRow, bool, error)

	// TryGetObjectStoredBatch reports, for each id, whether it is stored
	// and its rolled-up metadata, skipping nothing round-trip-wise.
	TryGetObjectStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ObjectRow, error)

	// ScanStaleObjects returns objects whose touched_at is older than
	// before — candidates for the cleaner's GC sweep.
	ScanStaleObjects(ctx context.Context, before time.Time) ([]ObjectRow, error)

	PutProcess(ctx context.Context, row ProcessRow) error
	GetProcess(ctx context.Context, id object.ID) (ProcessRow, bool, error)
	TouchAndGetProcess(ctx context.Context, id object.ID, ts time.Time) (ProcessRow, bool, error)
	TryGetProcessStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ProcessRow, error)
	UpdateProcessStatus(ctx context.Context, id object.ID, from, to string, at time.Time) (bool, error)
	PutProcessChildren(ctx context.Context, parent object.ID, children []object.ID) error

	// FindCachedProcess looks up a succeeded, cacheable process by command
	// hash + expected checksum.
	FindCachedProcess(ctx context.Context, command object.ID, expectedChecksum string) (object.ID, bool, error)

	// ScanStale returns started processes whose heartbeat is older than
	// before.
	ScanStale(ctx context.Context, before time.Time) ([]ProcessRow, error)

	PutTag(ctx context.Context, component string, parent int64, item *object.ID) (int64, error)
	ResolveTag(ctx context.Context, path []string) (*object.ID, error)

	// ListTags returns the direct children of the trie node at prefix
	// (the root for an empty prefix) — how the solver enumerates the
	// candidate versions under a tag pattern.
	ListTags(ctx context.Context, prefix []string) ([]TagRow, error)
	DeleteTag(ctx context.Context, path []string) error

	PutCacheEntry(ctx context.Context, artifactID object.ID, path string, ts time.Time) error

	EnqueueIncoming(ctx context.Context, payload []byte) (int64, error)
	DequeueIncoming(ctx context.Context, limit int) ([]QueueMessage, error)
	AckIncoming(ctx context.Context, sequences []int64) error

	Close() error
}
