package cct

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/lush"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

type InsertOptions struct {
	// RetainRecursion keeps one node per frame of a directly recursive
	// routine. When false, the frames strictly between the outermost and
	// the innermost call of a recursive chain are folded away.
	RetainRecursion bool
}

var errMetricID = fmt.Errorf("cct: %w: metric id out of range", errorutil.ErrInvalidInput)

// InsertAddr returns the call child of parent keyed by a, creating it when
// missing. A stored ambiguous association tag is narrowed to 1-to-1 when a
// carries a 1-to-1 tag; siblings the narrowed node now matches are folded
// into it, combining metrics with reg.
func (t *Tree) InsertAddr(parent NodeID, a Addr, reg *metric.Registry) NodeID {
	if c := t.FindChild(parent, a); c != Nil {
		n := t.s.get(c)
		assoc := n.addr.Assoc
		n.addr.Assoc = lush.Narrow(assoc, a.Assoc)
		if n.addr.Assoc != assoc {
			ctx := &mergeContext{x: t, params: MergeParams{Registry: reg}, unique: true}
			ctx.foldSiblings(c)
		}
		return c
	}
	id := t.s.alloc(KindCall, a)
	t.Link(parent, id)
	t.numNodes++
	return id
}

// InsertPath extends start (the root when start is Nil) with frames,
// outermost first, and returns the innermost node. It never removes nodes.
func (t *Tree) InsertPath(start NodeID, frames frame.Sequence, reg *metric.Registry, opts InsertOptions) (NodeID, error) {
	if err := frames.Validate(); err != nil {
		return Nil, err
	}
	cur := start
	if cur == Nil {
		cur = t.root
	}
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if !opts.RetainRecursion && i > 0 && i < len(frames)-1 &&
			f.SameRoutine(frames[i+1]) && f.SameRoutine(frames[i-1]) {
			continue
		}
		cur = t.InsertAddr(cur, AddrOf(f), reg)
	}
	t.TerminatePath(cur)
	return cur, nil
}

// Insert records one sample: it extends the path described by frames below
// start and combines v into metric metricID of the innermost node using the
// metric's combine rule. The innermost node is returned so that callers can
// continue from it.
//
// Insert neither blocks nor allocates when the store is fixed and sized for
// the registry.
func (t *Tree) Insert(start NodeID, frames frame.Sequence, metricID int, v metric.Value, reg *metric.Registry, opts InsertOptions) (NodeID, error) {
	if metricID < 0 || metricID >= reg.Len() {
		return Nil, errMetricID
	}
	leaf, err := t.InsertPath(start, frames, reg, opts)
	if err != nil {
		return Nil, err
	}
	t.ensureMetrics(leaf, metricID+1)
	m := t.s.get(leaf).metrics
	m[metricID] = reg.Combine(metricID, m[metricID], v)
	return leaf, nil
}

// CopyPath replays the path from src's root to path below t's root and
// returns the corresponding node of t.
func (t *Tree) CopyPath(src *Tree, path NodeID, reg *metric.Registry) NodeID {
	if path == Nil || path == src.root {
		return t.root
	}
	parent := t.CopyPath(src, src.Parent(path), reg)
	return t.InsertAddr(parent, src.Addr(path), reg)
}
