package replication

import (
	"sync"

	"github.com/tangramdev/tangram/pkg/object"
)

// flag bits of one id in the shared graph state.
type flags uint8

const (
	flagRequested flags = 1 << iota
	flagStored
	flagSubtree
	flagCommand
	flagError
	flagLog
	flagOutput
)

// graphState is the dedup table both directions of a sync session share:
// an id is traversed at most once no matter how many parents reach it.
// Mutations take a short mutex, never held across channel operations.
type graphState struct {
	mu    sync.Mutex
	nodes map[object.ID]flags
}

func newGraphState() *graphState {
	return &graphState{nodes: make(map[object.ID]flags)}
}

// request marks id requested, reporting whether this caller was first.
func (g *graphState) request(id object.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[id]&flagRequested != 0 {
		return false
	}
	g.nodes[id] |= flagRequested
	return true
}

// markStored records that id's node bytes are stored locally.
func (g *graphState) markStored(id object.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] |= flagStored
}

// markSubtree records that id's whole subtree is stored.
func (g *graphState) markSubtree(id object.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] |= flagStored | flagSubtree
}

func (g *graphState) stored(id object.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[id]&flagStored != 0
}

func (g *graphState) subtreeStored(id object.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[id]&flagSubtree != 0
}
