package object

import "time"

// Value is the generic, recursively-defined grammar every object field and
// every codec payload ultimately bottoms out in: it is what lets a
// deserializer skip fields it doesn't understand by recursing structurally
// instead of needing a schema for the unknown type.
type Value struct {
	Null   bool
	Bool   *bool
	UInt   *uint64
	Int    *int64
	F32    *float32
	F64    *float64
	String *string
	Bytes  []byte
	Array  []Value
	Map    []MapEntry
	Struct []FieldValue
	Enum   *EnumValue
}

// MapEntry is one (key, value) pair of a Value map.
type MapEntry struct {
	Key   Value
	Value Value
}

// FieldValue is one (field_id, value) pair of a Value struct.
type FieldValue struct {
	ID    uint64
	Value Value
}

// EnumValue is the (variant_id, payload) pair of a Value enum.
type EnumValue struct {
	VariantID uint64
	Payload   Value
}

// Blob is either a leaf holding raw bytes or a branch holding an ordered
// list of (child, length) pairs.
type Blob struct {
	Leaf     []byte
	Children []BlobChild // nil for a leaf
}

// BlobChild is one element of a branch blob's child list.
type BlobChild struct {
	ID     ID
	Length uint64
}

// IsBranch reports whether b is a branch node.
func (b Blob) IsBranch() bool { return b.Children != nil }

// Length returns the blob's total byte length: len(Leaf) for a leaf, or the
// sum of child lengths for a branch.
func (b Blob) Length() uint64 {
	if !b.IsBranch() {
		return uint64(len(b.Leaf))
	}
	var total uint64
	for _, c := range b.Children {
		total += c.Length
	}
	return total
}

// Reference is an unresolved dependency attachment: either a direct object
// edge or a tag pattern resolved later by the checkin solver.
type Reference struct {
	Tag string // e.g. "foo/*"; empty if ID is set directly
	ID  ID     // set once resolved, or if the reference names an id directly
}

// Edge is a reference from one object to another: either external (Object)
// or internal to the enclosing Graph, addressed by node index (Reference).
type Edge struct {
	Object    ID
	GraphNode int
	IsNode    bool // true selects GraphNode, false selects Object
	Kind      Kind // expected kind of the target, for Reference edges
	Subpath   string
}

// ArtifactEdge names either an object directly or a reference to resolve.
type ArtifactEdge struct {
	Edge       Edge
	Dependency *Reference
}

// Directory is Normal{entries} or Graph{graph, node_index}.
type Directory struct {
	Entries   []DirectoryEntry // nil if GraphNode is set
	GraphNode *GraphPointer
}

// DirectoryEntry is one (name, artifact) pair of a Normal directory,
// preserving insertion order.
type DirectoryEntry struct {
	Name string
	Edge ArtifactEdge
}

// GraphPointer selects a node within a Graph object.
type GraphPointer struct {
	Graph ID
	Node  int
}

// File is { contents, executable, dependencies } or a graph pointer.
type File struct {
	Contents     ID // blob id; absent (EmptyBlobID) for an empty file
	Executable   bool
	Dependencies map[string]ArtifactEdge // keyed by declared reference name
	GraphNode    *GraphPointer
}

// SymlinkKind distinguishes the three Symlink variants.
type SymlinkKind int

const (
	SymlinkTarget SymlinkKind = iota
	SymlinkArtifact
	SymlinkGraphNode
)

// Symlink is Target{path}, Artifact{edge, subpath?}, or a graph pointer.
type Symlink struct {
	Kind      SymlinkKind
	Path      string // SymlinkTarget
	Edge      ArtifactEdge
	Subpath   string
	GraphNode *GraphPointer
}

// Artifact is the Directory | File | Symlink sum type.
type Artifact struct {
	Directory *Directory
	File      *File
	Symlink   *Symlink
}

// GraphNodeKind distinguishes what kind of artifact a Graph node encodes.
type GraphNodeKind int

const (
	GraphNodeDirectory GraphNodeKind = iota
	GraphNodeFile
	GraphNodeSymlink
)

// GraphNode is one node of a Graph object: a Directory/File/Symlink whose
// edges may reference other nodes in the same graph.
type GraphNode struct {
	Kind      GraphNodeKind
	Directory *Directory
	File      *File
	Symlink   *Symlink
}

// Graph encodes cycles among artifacts as a set of nodes with
// index-addressed internal edges.
type Graph struct {
	Nodes []GraphNode
}

// CommandExecutable is Artifact | Module | Path.
type CommandExecutable struct {
	Artifact *ArtifactEdge
	Module   string
	Path     string
}

// Command is a fully-resolved invocation: args, environment, executable,
// mounts, and an optional stdin blob.
type Command struct {
	Args       []Value
	Cwd        string
	Env        map[string]Value
	Executable CommandExecutable
	Host       string
	Mounts     []Mount
	Stdin      *ID
	User       string
}

// Mount binds a source artifact to a target path inside the sandbox.
type Mount struct {
	Source   ID
	Target   string
	ReadOnly bool
}

// Status is a process's position in the state machine.
type Status string

const (
	StatusCreated  Status = "created"
	StatusEnqueued Status = "enqueued"
	StatusDequeued Status = "dequeued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
)

// Outcome is the terminal classification of a finished process, derived
// from its exit code.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Process is the one object kind that is not content-addressed; its state
// mutates over its lifecycle and a finished process is immutable except
// for TouchedAt.
type Process struct {
	ID      ID
	Command ID
	Status  Status
	Outcome Outcome

	Exit      *int
	Output    *Value
	Error     *ID
	Children  []ID
	Log       *ID
	Mounts    []Mount
	Network   bool
	Cacheable bool
	Retry     int

	ExpectedChecksum *ID
	ActualChecksum   *ID

	CreatedAt   time.Time
	EnqueuedAt  *time.Time
	DequeuedAt  *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	HeartbeatAt *time.Time
	TouchedAt   time.Time
}

// ExitOutcome classifies an exit code.
func ExitOutcome(exit int) Outcome {
	switch {
	case exit == 0:
		return OutcomeSucceeded
	case exit >= 1 && exit <= 127:
		return OutcomeFailed
	default:
		return OutcomeFailed // 128+signal is still a failure outcome, distinct exit semantics
	}
}
