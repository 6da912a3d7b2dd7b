package cct

import (
	"fmt"
	"sync/atomic"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

const (
	// FirstPersistentID is the first id handed out by an IDCounter. Ids 0
	// and 1 are special and 2 to 11 are reserved.
	FirstPersistentID uint32 = 12
	// RetainIDFlag marks a persistent id that an external trace refers to.
	RetainIDFlag uint32 = 1

	defaultCapacity = 1024
	growChunk       = 256
)

// IDCounter hands out even persistent ids. It is shared by every store of a
// process and is safe for concurrent use.
type IDCounter struct {
	n atomic.Uint32
}

// DefaultIDCounter is used by stores that are not given a counter.
var DefaultIDCounter = &IDCounter{}

func (c *IDCounter) Next() uint32 {
	return FirstPersistentID + 2*(c.n.Add(1)-1)
}

// ResetForTesting restarts the sequence. Trees built before the reset may
// then share ids with trees built after it.
func (c *IDCounter) ResetForTesting() {
	c.n.Store(0)
}

// RetainID marks id as referenced by a trace.
func RetainID(id uint32) uint32 {
	return id | RetainIDFlag
}

func IsRetained(id uint32) bool {
	return id&RetainIDFlag != 0
}

type StoreOptions struct {
	// Capacity is the number of nodes reserved up front.
	Capacity int
	// MetricsPerNode is the length of every freshly allocated metric vector.
	MetricsPerNode int
	// Growable lets the store allocate past Capacity. Stores used while
	// sampling are not growable: running out of space is fatal.
	Growable bool
	Counter  *IDCounter
}

// Store is the arena that owns the nodes of one tree. Nodes and their
// metric vectors are carved out of memory reserved up front, so creating a
// node in a fixed store never calls the allocator.
type Store struct {
	nodes          []node
	slab           []metric.Value
	free           []NodeID
	metricsPerNode int
	growable       bool
	counter        *IDCounter
}

func NewStore(opts StoreOptions) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.Counter == nil {
		opts.Counter = DefaultIDCounter
	}
	return &Store{
		nodes:          make([]node, 0, opts.Capacity),
		slab:           make([]metric.Value, opts.Capacity*opts.MetricsPerNode),
		metricsPerNode: opts.MetricsPerNode,
		growable:       opts.Growable,
		counter:        opts.Counter,
	}
}

// MetricsPerNode returns the length of freshly allocated metric vectors.
func (s *Store) MetricsPerNode() int {
	return s.metricsPerNode
}

// Counter returns the persistent id source of the store.
func (s *Store) Counter() *IDCounter {
	return s.counter
}

func (s *Store) exhausted() {
	panic(fmt.Errorf("cct: %w: capacity of %d nodes reached", errorutil.ErrArenaExhausted, cap(s.nodes)))
}

func (s *Store) carveMetrics() []metric.Value {
	k := s.metricsPerNode
	if k == 0 {
		return nil
	}
	if len(s.slab) < k {
		if !s.growable {
			s.exhausted()
		}
		s.slab = make([]metric.Value, k*growChunk)
	}
	m := s.slab[:k:k]
	s.slab = s.slab[k:]
	return m
}

// alloc creates a detached node with a fresh persistent id and zeroed
// metrics.
func (s *Store) alloc(kind Kind, a Addr) NodeID {
	var id NodeID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
		m := s.nodes[id].metrics
		for i := range m {
			m[i] = 0
		}
		if len(m) < s.metricsPerNode {
			m = s.carveMetrics()
		}
		s.nodes[id] = node{metrics: m[:s.metricsPerNode]}
	} else {
		if len(s.nodes) == cap(s.nodes) && !s.growable {
			s.exhausted()
		}
		id = NodeID(len(s.nodes))
		s.nodes = append(s.nodes, node{metrics: s.carveMetrics()})
	}
	n := &s.nodes[id]
	n.parent, n.firstChild, n.lastChild = Nil, Nil, Nil
	n.prevSibling, n.nextSibling = Nil, Nil
	n.id = s.counter.Next()
	n.kind = kind
	n.addr = a
	return id
}

// release returns a detached node to the free list.
func (s *Store) release(id NodeID) {
	n := &s.nodes[id]
	if n.freed {
		panic(fmt.Errorf("cct: %w: node %d released twice", errorutil.ErrDataIntegrity, id))
	}
	n.freed = true
	n.structure = nil
	s.free = append(s.free, id)
}

func (s *Store) get(id NodeID) *node {
	return &s.nodes[id]
}

// absorb moves every node of o into s and returns the handle offset added
// to o's handles. o must not be used afterwards.
func (s *Store) absorb(o *Store) NodeID {
	off := NodeID(len(s.nodes))
	shift := func(h NodeID) NodeID {
		if h == Nil {
			return Nil
		}
		return h + off
	}
	for i := range o.nodes {
		n := o.nodes[i]
		n.parent = shift(n.parent)
		n.firstChild = shift(n.firstChild)
		n.lastChild = shift(n.lastChild)
		n.prevSibling = shift(n.prevSibling)
		n.nextSibling = shift(n.nextSibling)
		s.nodes = append(s.nodes, n)
	}
	for _, h := range o.free {
		s.free = append(s.free, h+off)
	}
	o.nodes, o.free, o.slab = nil, nil, nil
	return off
}
