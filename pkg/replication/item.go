// Package replication implements tangram's bidirectional sync engine:
// a four-stage pipeline (input, queue, index, store) per side, dedup
// via shared graph state, bounded channels for backpressure, and
// progress reporting on a coalescing tick.
//
// The wire framing lives in pkg/api and pkg/client.
package replication

import (
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
)

// ItemKind discriminates the wire items exchanged between peers.
type ItemKind string

const (
	// ItemObject carries one object: bytes when present, or Missing=true
	// as a request for the other side to supply it.
	ItemObject ItemKind = "object"
	// ItemProcess carries one process row, same Missing convention.
	ItemProcess ItemKind = "process"
	// ItemEnd is the "end" pseudo-message: the sender has nothing more
	// to say.
	ItemEnd ItemKind = "end"
)

// Item is one element of the sync stream in either direction.
type Item struct {
	Kind    ItemKind          `json:"kind"`
	ID      object.ID         `json:"id,omitempty"`
	Bytes   []byte            `json:"bytes,omitempty"`
	Process *index.ProcessRow `json:"process,omitempty"`
	Missing bool              `json:"missing,omitempty"`
}

// Eagerness controls which process subtrees the queue stage traverses.
type Eagerness struct {
	Recursive bool
	Commands  bool
	Errors    bool
	Logs      bool
	Outputs   bool
}
