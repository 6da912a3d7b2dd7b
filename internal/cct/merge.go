package cct

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/lush"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

type (
	MergeParams struct {
		// MetricOffset maps metric i of y to metric i+MetricOffset of x.
		MetricOffset int
		// Registry is x's registry after reconciliation. Its combine rules
		// apply to every merged value.
		Registry *metric.Registry
	}

	// IDChange records that retained id Old now reads New. Traces that
	// refer to Old must be rewritten.
	IDChange struct {
		Old uint32
		New uint32
	}
)

// mergeContext keeps retained ids unique while nodes move between trees.
type mergeContext struct {
	x        *Tree
	params   MergeParams
	retained map[uint32]struct{}
	changes  []IDChange
	// unique is set when the ids being merged are already unique within
	// the destination, as in Coalesce.
	unique bool
}

// Merge merges y into x. Unmatched subtrees of y are relinked under x
// without copying; matched nodes have their metrics combined. y is consumed
// and must not be used afterwards.
//
// The roots must be mergeable: both canonical, or both synthetic primary
// roots. The check happens before x is modified.
func Merge(x, y *Tree, params MergeParams) ([]IDChange, error) {
	if err := checkRoots(x, y); err != nil {
		return nil, err
	}
	if params.MetricOffset < 0 {
		return nil, fmt.Errorf("cct: %w: negative metric offset %d", errorutil.ErrInvalidInput, params.MetricOffset)
	}

	off := x.s.absorb(y.s)
	yRoot := y.root + off
	x.numNodes += y.numNodes
	y.s, y.root, y.numNodes = nil, Nil, 0

	ctx := &mergeContext{x: x, params: params}
	ctx.mergeMe(x.root, yRoot)
	ctx.mergeDeep(x.root, yRoot)
	x.s.release(yRoot)
	x.numNodes--
	return ctx.changes, nil
}

// Mergeable reports whether Merge will accept x and y once both have been
// brought to the same canonical state: when exactly one of them is
// canonical, the other is assumed to be canonicalized first. Neither tree
// is modified.
func Mergeable(x, y *Tree) error {
	if x.IsCanonical() != y.IsCanonical() {
		if x == y || x.s == y.s {
			return errSelfMerge
		}
		return nil
	}
	return checkRoots(x, y)
}

var errSelfMerge = fmt.Errorf("cct: %w: cannot merge a tree into itself", errorutil.ErrInvalidInput)

func checkRoots(x, y *Tree) error {
	if x == y || x.s == y.s {
		return errSelfMerge
	}
	if !sameKey(x.s.get(x.root), y.s.get(y.root)) {
		return fmt.Errorf("cct: %w: roots are not mergeable (%s %s vs %s %s); canonicalize both trees first",
			errorutil.ErrDataIntegrity, x.Kind(x.root), x.Addr(x.root), y.Kind(y.root), y.Addr(y.root))
	}
	return nil
}

// mergeDeep merges the children of yn into xn. yn's children are either
// relinked under xn or merged and released.
func (ctx *mergeContext) mergeDeep(xn, yn NodeID) {
	t := ctx.x
	for yc := t.FirstChild(yn); yc != Nil; {
		next := t.NextSibling(yc)
		t.Unlink(yc)
		xc := t.findChild(xn, t.s.get(yc))
		if xc == Nil {
			ctx.fixInsert(yc)
			t.Link(xn, yc)
		} else {
			ctx.mergeMe(xc, yc)
			ctx.mergeDeep(xc, yc)
			t.s.release(yc)
			t.numNodes--
		}
		yc = next
	}
}

// mergeMe combines the metrics and ids of yn into xn.
func (ctx *mergeContext) mergeMe(xn, yn NodeID) {
	t := ctx.x
	y := t.s.get(yn)
	off := ctx.params.MetricOffset
	for i, v := range y.metrics {
		if v.IsZero() {
			continue
		}
		t.ensureMetrics(xn, off+i+1)
		m := t.s.get(xn).metrics
		m[off+i] = ctx.params.Registry.Combine(off+i, m[off+i], v)
	}

	x := t.s.get(xn)
	assoc := x.addr.Assoc
	x.addr.Assoc = lush.Narrow(assoc, y.addr.Assoc)
	x.terminal = x.terminal || y.terminal
	if x.structure == nil {
		x.structure = y.structure
	}

	switch {
	case !IsRetained(y.id):
	case IsRetained(x.id):
		if x.id != y.id {
			ctx.changes = append(ctx.changes, IDChange{Old: y.id, New: x.id})
		}
	default:
		x.id = ctx.ensureUnique(y.id)
	}

	if x.addr.Assoc != assoc {
		ctx.foldSiblings(xn)
	}
}

// foldSiblings merges into n every sibling that shares n's key. Narrowing
// n's association makes it match siblings it was distinct from. All ids
// involved already belong to the tree.
func (ctx *mergeContext) foldSiblings(n NodeID) {
	t := ctx.x
	parent := t.Parent(n)
	if parent == Nil {
		return
	}
	unique := ctx.unique
	ctx.unique = true
	for {
		s := Nil
		for c := t.FirstChild(parent); c != Nil; c = t.NextSibling(c) {
			if c != n && sameKey(t.s.get(n), t.s.get(c)) {
				s = c
				break
			}
		}
		if s == Nil {
			break
		}
		t.Unlink(s)
		ctx.mergeMe(n, s)
		ctx.mergeDeep(n, s)
		t.s.release(s)
		t.numNodes--
	}
	ctx.unique = unique
}

// fixInsert prepares the subtree at yn for relinking into x: metrics are
// shifted to x's numbering and retained ids are made unique.
func (ctx *mergeContext) fixInsert(yn NodeID) {
	t := ctx.x
	off := ctx.params.MetricOffset
	t.WalkNodeFirst(yn, func(id NodeID, _ int) bool {
		n := t.s.get(id)
		if off != 0 && len(n.metrics) > 0 {
			m := make([]metric.Value, off+len(n.metrics))
			copy(m[off:], n.metrics)
			n.metrics = m
		}
		if IsRetained(n.id) {
			n.id = ctx.ensureUnique(n.id)
		}
		return true
	})
}

// ensureUnique returns id if no node of x holds it yet, or a fresh retained
// id otherwise. Renames are recorded.
func (ctx *mergeContext) ensureUnique(id uint32) uint32 {
	if ctx.unique {
		return id
	}
	if ctx.retained == nil {
		ctx.retained = make(map[uint32]struct{})
		t := ctx.x
		t.WalkNodeFirst(t.root, func(n NodeID, _ int) bool {
			if pid := t.PersistentID(n); IsRetained(pid) {
				ctx.retained[pid] = struct{}{}
			}
			return true
		})
	}
	newID := id
	for {
		if _, taken := ctx.retained[newID]; !taken {
			break
		}
		newID = RetainID(ctx.x.s.counter.Next())
	}
	ctx.retained[newID] = struct{}{}
	if newID != id {
		ctx.changes = append(ctx.changes, IDChange{Old: id, New: newID})
	}
	return newID
}

// FixLoadModules rewrites the load-module ids of every node of t according
// to the effects of a load map merge. It must run before t is merged into a
// tree that uses the merged load map.
func FixLoadModules(t *Tree, effects []loadmap.MergeEffect) {
	tr := loadmap.Translation(effects)
	if tr == nil {
		return
	}
	t.WalkNodeFirst(t.root, func(id NodeID, _ int) bool {
		n := t.s.get(id)
		if to, ok := tr[n.addr.LMID]; ok {
			n.addr.LMID = to
		}
		if !n.addr.LIP.IsNull() {
			if to, ok := tr[n.addr.LIP.LMID]; ok {
				n.addr.LIP.LMID = to
			}
		}
		return true
	})
}
