package cct

import (
	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

// Bundle is the per-thread anchor samples are inserted into. Full
// backtraces hang below the thread-start trampoline; backtraces whose
// unwind failed before reaching the thread entry hang below the partial
// root. Both sit under the synthetic primary root.
//
// A bundle is not safe for concurrent use. Give each goroutine its own.
type Bundle struct {
	tree       *Tree
	reg        *metric.Registry
	opts       InsertOptions
	trampoline NodeID
	partial    NodeID
	last       NodeID
}

// NewBundle creates a bundle over a fresh tree in s. reg must not change
// while the bundle is in use.
func NewBundle(s *Store, reg *metric.Registry, opts InsertOptions) *Bundle {
	t := NewTree(s)
	b := &Bundle{
		tree: t,
		reg:  reg,
		opts: opts,
		last: Nil,
	}
	b.trampoline = t.InsertAddr(t.root, rootAddr, reg)
	b.partial = t.InsertAddr(t.root, PartialRootAddr, reg)
	return b
}

func (b *Bundle) Tree() *Tree {
	return b.tree
}

// ThreadRoot returns the trampoline node full backtraces are inserted
// under.
func (b *Bundle) ThreadRoot() NodeID {
	return b.trampoline
}

func (b *Bundle) PartialRoot() NodeID {
	return b.partial
}

// LastNode returns the node reached by the previous insertion, or Nil.
func (b *Bundle) LastNode() NodeID {
	return b.last
}

// Insert records a sample. partial selects the partial-unwind root.
func (b *Bundle) Insert(frames frame.Sequence, partial bool, metricID int, v metric.Value) (NodeID, error) {
	start := b.trampoline
	if partial {
		start = b.partial
	}
	return b.insert(start, frames, metricID, v)
}

// Continue records a sample whose frames extend the path reached by the
// previous insertion. Without a previous insertion it behaves like Insert.
func (b *Bundle) Continue(frames frame.Sequence, metricID int, v metric.Value) (NodeID, error) {
	start := b.last
	if start == Nil {
		start = b.trampoline
	}
	return b.insert(start, frames, metricID, v)
}

func (b *Bundle) insert(start NodeID, frames frame.Sequence, metricID int, v metric.Value) (NodeID, error) {
	n, err := b.tree.Insert(start, frames, metricID, v, b.reg, b.opts)
	if err != nil {
		return Nil, err
	}
	b.last = n
	return n, nil
}

// IsEmpty reports whether no sample was recorded.
func (b *Bundle) IsEmpty() bool {
	return b.tree.IsEmpty()
}
