// Package cct implements the calling-context tree: an arena backed tree of
// call sites that samples are accumulated into, merged across threads and
// processes, and serialized to the profile format.
package cct

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

// Tree is a calling-context tree. A tree exclusively owns its store, and
// is grown by a single goroutine at a time.
type Tree struct {
	s        *Store
	root     NodeID
	numNodes int
}

// NewTree creates a tree holding only the synthetic primary root.
func NewTree(s *Store) *Tree {
	t := &Tree{s: s}
	t.root = s.alloc(KindCall, rootAddr)
	t.numNodes = 1
	return t
}

// NewGrowableTree is a convenience for offline code that does not need a
// fixed arena.
func NewGrowableTree(metricsPerNode int) *Tree {
	return NewTree(NewStore(StoreOptions{MetricsPerNode: metricsPerNode, Growable: true}))
}

func (t *Tree) Store() *Store {
	return t.s
}

func (t *Tree) Root() NodeID {
	return t.root
}

// NumNodes returns the number of nodes reachable from the root.
func (t *Tree) NumNodes() int {
	return t.numNodes
}

// IsEmpty reports whether no sample reached the tree: every node is either
// the root or a synthetic wrapper without metrics.
func (t *Tree) IsEmpty() bool {
	empty := true
	t.WalkNodeFirst(t.root, func(id NodeID, _ int) bool {
		n := t.s.get(id)
		if id != t.root && !isSyntheticAddr(n) {
			empty = false
		}
		for _, v := range n.metrics {
			if !v.IsZero() {
				empty = false
			}
		}
		return empty
	})
	return empty
}

func isSyntheticAddr(n *node) bool {
	return n.kind == KindCall && (n.addr == rootAddr || n.addr == PartialRootAddr)
}

func (t *Tree) Parent(id NodeID) NodeID {
	return t.s.get(id).parent
}

func (t *Tree) FirstChild(id NodeID) NodeID {
	return t.s.get(id).firstChild
}

func (t *Tree) NextSibling(id NodeID) NodeID {
	return t.s.get(id).nextSibling
}

// NumChildren counts the children of id.
func (t *Tree) NumChildren(id NodeID) int {
	n := 0
	for c := t.FirstChild(id); c != Nil; c = t.NextSibling(c) {
		n++
	}
	return n
}

// Children returns the children of id in link order.
func (t *Tree) Children(id NodeID) []NodeID {
	var out []NodeID
	for c := t.FirstChild(id); c != Nil; c = t.NextSibling(c) {
		out = append(out, c)
	}
	return out
}

func (t *Tree) IsLeaf(id NodeID) bool {
	return t.s.get(id).firstChild == Nil
}

func (t *Tree) Kind(id NodeID) Kind {
	return t.s.get(id).kind
}

func (t *Tree) Addr(id NodeID) Addr {
	return t.s.get(id).addr
}

// SetAddr rewrites the key of id. Callers must keep siblings distinct.
func (t *Tree) SetAddr(id NodeID, a Addr) {
	t.s.get(id).addr = a
}

func (t *Tree) PersistentID(id NodeID) uint32 {
	return t.s.get(id).id
}

func (t *Tree) SetPersistentID(id NodeID, pid uint32) {
	t.s.get(id).id = pid
}

// RetainPersistentID marks the id of node id as referenced by a trace and
// returns it.
func (t *Tree) RetainPersistentID(id NodeID) uint32 {
	n := t.s.get(id)
	n.id = RetainID(n.id)
	return n.id
}

// TerminatePath marks id as the last node of an inserted path.
func (t *Tree) TerminatePath(id NodeID) {
	t.s.get(id).terminal = true
}

func (t *Tree) IsTerminal(id NodeID) bool {
	return t.s.get(id).terminal
}

func (t *Tree) Structure(id NodeID) *Structure {
	return t.s.get(id).structure
}

func (t *Tree) SetStructure(id NodeID, st *Structure) {
	t.s.get(id).structure = st
}

// Metrics returns the metric vector of id. The slice aliases the node.
func (t *Tree) Metrics(id NodeID) []metric.Value {
	return t.s.get(id).metrics
}

// Metric returns metric m of id, or zero when the node's vector is shorter.
func (t *Tree) Metric(id NodeID, m int) metric.Value {
	v := t.s.get(id).metrics
	if m < 0 || m >= len(v) {
		return 0
	}
	return v[m]
}

// SetMetric stores v in slot m, growing the node's vector when needed.
func (t *Tree) SetMetric(id NodeID, m int, v metric.Value) {
	t.ensureMetrics(id, m+1)
	t.s.get(id).metrics[m] = v
}

// HasMetrics reports whether any metric of id is nonzero.
func (t *Tree) HasMetrics(id NodeID) bool {
	for _, v := range t.s.get(id).metrics {
		if !v.IsZero() {
			return true
		}
	}
	return false
}

func (t *Tree) ensureMetrics(id NodeID, n int) {
	nd := t.s.get(id)
	if len(nd.metrics) >= n {
		return
	}
	m := make([]metric.Value, n)
	copy(m, nd.metrics)
	nd.metrics = m
}

// NewNode allocates a node and links it under parent.
func (t *Tree) NewNode(parent NodeID, kind Kind, a Addr) NodeID {
	id := t.s.alloc(kind, a)
	t.Link(parent, id)
	t.numNodes++
	return id
}

// Link appends the detached subtree rooted at child to parent's children.
func (t *Tree) Link(parent, child NodeID) {
	c := t.s.get(child)
	if c.parent != Nil {
		panic(fmt.Errorf("cct: %w: node %d already has parent %d", errorutil.ErrDataIntegrity, child, c.parent))
	}
	p := t.s.get(parent)
	c.parent = parent
	c.prevSibling = p.lastChild
	c.nextSibling = Nil
	if p.lastChild != Nil {
		t.s.get(p.lastChild).nextSibling = child
	} else {
		p.firstChild = child
	}
	p.lastChild = child
}

// Unlink detaches the subtree rooted at id from its parent.
func (t *Tree) Unlink(id NodeID) {
	n := t.s.get(id)
	if n.parent == Nil {
		return
	}
	p := t.s.get(n.parent)
	if n.prevSibling != Nil {
		t.s.get(n.prevSibling).nextSibling = n.nextSibling
	} else {
		p.firstChild = n.nextSibling
	}
	if n.nextSibling != Nil {
		t.s.get(n.nextSibling).prevSibling = n.prevSibling
	} else {
		p.lastChild = n.prevSibling
	}
	n.parent, n.prevSibling, n.nextSibling = Nil, Nil, Nil
}

// DestroySubtree unlinks id and returns it and all its descendants to the
// store. It must not be called on the root or while sampling.
func (t *Tree) DestroySubtree(id NodeID) {
	if id == t.root {
		panic(fmt.Errorf("cct: %w: cannot destroy the root", errorutil.ErrDataIntegrity))
	}
	t.Unlink(id)
	t.destroy(id)
}

func (t *Tree) destroy(id NodeID) {
	for c := t.FirstChild(id); c != Nil; {
		next := t.NextSibling(c)
		t.s.get(c).parent = Nil
		t.destroy(c)
		c = next
	}
	t.s.release(id)
	t.numNodes--
}

// findChild returns the child of parent keyed like probe, or Nil.
func (t *Tree) findChild(parent NodeID, probe *node) NodeID {
	for c := t.FirstChild(parent); c != Nil; c = t.NextSibling(c) {
		if sameKey(t.s.get(c), probe) {
			return c
		}
	}
	return Nil
}

// FindChild returns the call child of parent whose key equals a, or Nil.
func (t *Tree) FindChild(parent NodeID, a Addr) NodeID {
	for c := t.FirstChild(parent); c != Nil; c = t.NextSibling(c) {
		n := t.s.get(c)
		if n.kind == KindCall && n.addr.Equal(a) {
			return c
		}
	}
	return Nil
}

// WalkNodeFirst visits id and its descendants, parents before children.
// Returning false from fn skips the children of the visited node.
func (t *Tree) WalkNodeFirst(id NodeID, fn func(id NodeID, level int) bool) {
	t.walkNodeFirst(id, 0, fn)
}

func (t *Tree) walkNodeFirst(id NodeID, level int, fn func(NodeID, int) bool) {
	if !fn(id, level) {
		return
	}
	for c := t.FirstChild(id); c != Nil; c = t.NextSibling(c) {
		t.walkNodeFirst(c, level+1, fn)
	}
}

// WalkChildFirst visits the descendants of id before id itself. fn may
// unlink the node it is given.
func (t *Tree) WalkChildFirst(id NodeID, fn func(id NodeID, level int)) {
	t.walkChildFirst(id, 0, fn)
}

func (t *Tree) walkChildFirst(id NodeID, level int, fn func(NodeID, int)) {
	for c := t.FirstChild(id); c != Nil; {
		next := t.NextSibling(c)
		t.walkChildFirst(c, level+1, fn)
		c = next
	}
	fn(id, level)
}

// PathTo returns the keys from the first node below the root down to id.
func (t *Tree) PathTo(id NodeID) []Addr {
	var path []Addr
	for n := id; n != Nil && n != t.root; n = t.Parent(n) {
		path = append(path, t.Addr(n))
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Verify checks the structural invariants of the tree: parent and sibling
// links agree, no two siblings share a key, retained ids are unique and
// the node count is right.
func (t *Tree) Verify() error {
	count := 0
	retained := make(map[uint32]NodeID)
	var err error
	t.WalkNodeFirst(t.root, func(id NodeID, _ int) bool {
		if err != nil {
			return false
		}
		count++
		n := t.s.get(id)
		if n.freed {
			err = fmt.Errorf("cct: %w: node %d is reachable after release", errorutil.ErrDataIntegrity, id)
			return false
		}
		if IsRetained(n.id) {
			if other, ok := retained[n.id]; ok {
				err = fmt.Errorf("cct: %w: nodes %d and %d share retained id %d", errorutil.ErrDataIntegrity, other, id, n.id)
				return false
			}
			retained[n.id] = id
		}
		prev := Nil
		for c := n.firstChild; c != Nil; c = t.s.get(c).nextSibling {
			cn := t.s.get(c)
			if cn.parent != id {
				err = fmt.Errorf("cct: %w: node %d is linked under %d but claims parent %d", errorutil.ErrDataIntegrity, c, id, cn.parent)
				return false
			}
			if cn.prevSibling != prev {
				err = fmt.Errorf("cct: %w: broken sibling links at node %d", errorutil.ErrDataIntegrity, c)
				return false
			}
			for d := cn.nextSibling; d != Nil; d = t.s.get(d).nextSibling {
				if sameKey(cn, t.s.get(d)) {
					err = fmt.Errorf("cct: %w: siblings %d and %d share key %s", errorutil.ErrDataIntegrity, c, d, cn.addr)
					return false
				}
			}
			prev = c
		}
		if n.lastChild != prev {
			err = fmt.Errorf("cct: %w: stale last child at node %d", errorutil.ErrDataIntegrity, id)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if count != t.numNodes {
		return fmt.Errorf("cct: %w: %d reachable nodes, %d counted", errorutil.ErrDataIntegrity, count, t.numNodes)
	}
	return nil
}
