package cct

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/hpcfmt"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

type (
	EncodeOptions struct {
		// NumMetrics is the number of values written per node. It may be
		// smaller than the in-memory vectors, or zero for virtual metrics.
		NumMetrics    int
		LogicalUnwind bool
	}

	DecodeOptions struct {
		// NumMetrics is the number of values stored per record.
		NumMetrics int
		// Layout describes the destination metric slots. An inclusive slot
		// reads the current source value without consuming it, so that the
		// exclusive slot after it sees the same value. A nil Layout maps
		// source values one to one.
		Layout        []metric.ValueType
		LogicalUnwind bool
		// SplitNodes turns an interior record that carries metrics into a
		// call node with a statement child holding the metrics, and marks
		// leaf records as statements.
		SplitNodes bool
		// LoadMap, when set, is used to validate load-module ids and mark
		// the referenced modules as used. Unknown ids are mapped to 0.
		LoadMap *loadmap.Registry
		Counter *IDCounter
	}
)

// Encode writes the node count followed by one record per node in
// preorder. Records get fresh ids 2, 4, 6, ... so that allocation history
// does not leak into the file; a retained id is written as is when it is
// larger than its parent's id and renamed otherwise. Renames are applied to
// t and returned. Leaf ids are negated.
func Encode(w *hpcfmt.Writer, t *Tree, opts EncodeOptions) ([]IDChange, error) {
	retained := make(map[uint32]struct{})
	t.WalkNodeFirst(t.root, func(id NodeID, _ int) bool {
		if pid := t.PersistentID(id); IsRetained(pid) {
			retained[pid] = struct{}{}
		}
		return true
	})

	written := make([]int64, len(t.s.nodes))
	next := int64(2)
	fresh := func(parent int64) int64 {
		if next <= parent {
			next = (parent + 2) &^ 1
		}
		id := next
		next += 2
		return id
	}

	var (
		changes []IDChange
		err     error
		rec     = hpcfmt.NodeRecord{Metrics: make([]metric.Value, opts.NumMetrics)}
	)
	w.Uint64(uint64(t.numNodes))
	t.WalkNodeFirst(t.root, func(id NodeID, _ int) bool {
		if err != nil {
			return false
		}
		n := t.s.get(id)
		var parent int64
		if id != t.root {
			parent = written[n.parent]
		}
		var wid int64
		switch {
		case !IsRetained(n.id):
			wid = fresh(parent)
		case int64(n.id) > parent:
			wid = int64(n.id)
		default:
			for {
				wid = fresh(parent) | int64(RetainIDFlag)
				if _, taken := retained[uint32(wid)]; !taken {
					break
				}
			}
			retained[uint32(wid)] = struct{}{}
			changes = append(changes, IDChange{Old: n.id, New: uint32(wid)})
			n.id = uint32(wid)
		}
		if wid > math.MaxInt32 {
			err = fmt.Errorf("cct: %w: node id %d does not fit the format", errorutil.ErrDataIntegrity, wid)
			return false
		}
		written[id] = wid

		rec.ID = int32(wid)
		if n.firstChild == Nil {
			rec.ID = -rec.ID
		}
		rec.ParentID = int32(parent)
		rec.Assoc = n.addr.Assoc
		rec.LMID = n.addr.LMID
		rec.IP = n.addr.IP
		rec.LIP = n.addr.LIP
		for i := range rec.Metrics {
			rec.Metrics[i] = 0
			if i < len(n.metrics) {
				rec.Metrics[i] = n.metrics[i]
			}
		}
		hpcfmt.WriteNode(w, &rec, opts.LogicalUnwind)
		return true
	})
	if err != nil {
		return changes, err
	}
	return changes, w.Err()
}

// Decode reads a node stream written by Encode. Records must name a parent
// that was read before them, with a smaller id; the first record is the
// root.
func Decode(r *hpcfmt.Reader, opts DecodeOptions) (*Tree, error) {
	start := r.Offset()
	count, err := r.Uint64()
	if err != nil {
		return nil, &errorutil.FormatError{Epoch: -1, Offset: start, Err: err}
	}
	if count > math.MaxInt32 {
		return nil, &errorutil.FormatError{Epoch: -1, Offset: start,
			Err: fmt.Errorf("cct: %w: %d nodes", errorutil.ErrMalformedHeader, count)}
	}

	numDst := opts.NumMetrics
	if opts.Layout != nil {
		numDst = len(opts.Layout)
	}
	capacity := int(count)
	if capacity > 1<<16 {
		capacity = 1 << 16
	}
	s := NewStore(StoreOptions{
		Capacity:       capacity + 1,
		MetricsPerNode: numDst,
		Growable:       true,
		Counter:        opts.Counter,
	})
	t := &Tree{s: s, root: Nil}

	ids := make(map[int32]NodeID, capacity)
	rec := hpcfmt.NodeRecord{Metrics: make([]metric.Value, opts.NumMetrics)}
	for i := uint64(0); i < count; i++ {
		off := r.Offset()
		if err := hpcfmt.ReadNode(r, &rec, opts.LogicalUnwind, opts.NumMetrics); err != nil {
			return nil, &errorutil.FormatError{Epoch: -1, Offset: off, NodeID: rec.ID, Err: err}
		}
		if err := t.decodeRecord(&rec, ids, opts); err != nil {
			return nil, &errorutil.FormatError{Epoch: -1, Offset: off, NodeID: rec.ID, Err: err}
		}
	}
	if t.root == Nil {
		t.root = s.alloc(KindCall, rootAddr)
		t.numNodes = 1
	}
	return t, nil
}

func (t *Tree) decodeRecord(rec *hpcfmt.NodeRecord, ids map[int32]NodeID, opts DecodeOptions) error {
	id, leaf := rec.ID, false
	if id < 0 {
		id, leaf = -id, true
	}
	if id == 0 {
		return fmt.Errorf("cct: %w: zero node id", errorutil.ErrDataIntegrity)
	}
	if _, dup := ids[id]; dup {
		return fmt.Errorf("cct: %w: duplicate node id %d", errorutil.ErrDataIntegrity, id)
	}

	parent := Nil
	switch {
	case rec.ParentID == 0:
		if t.root != Nil {
			return fmt.Errorf("cct: %w: second root record", errorutil.ErrDataIntegrity)
		}
	case rec.ParentID < 0 || rec.ParentID >= id:
		return fmt.Errorf("cct: %w: parent id %d is not smaller than id %d", errorutil.ErrParentOrder, rec.ParentID, id)
	default:
		p, ok := ids[rec.ParentID]
		if !ok {
			return fmt.Errorf("cct: %w: parent id %d was not seen", errorutil.ErrParentOrder, rec.ParentID)
		}
		parent = p
	}

	a := Addr{LMID: rec.LMID, IP: rec.IP, Assoc: rec.Assoc, LIP: rec.LIP}
	if lm := opts.LoadMap; lm != nil {
		a.LMID = checkLoadModule(lm, a.LMID, id)
		if !a.LIP.IsNull() {
			a.LIP.LMID = checkLoadModule(lm, a.LIP.LMID, id)
		}
	}

	kind := KindCall
	if opts.SplitNodes && leaf && parent != Nil {
		kind = KindStatementRange
	}
	n := t.s.alloc(kind, a)
	t.numNodes++
	mapMetrics(t.s.get(n).metrics, rec.Metrics, opts.Layout)
	if IsRetained(uint32(id)) {
		t.s.get(n).id = uint32(id)
	}
	if parent == Nil {
		t.root = n
	} else {
		t.Link(parent, n)
	}
	ids[id] = n

	if opts.SplitNodes && !leaf && parent != Nil && t.HasMetrics(n) {
		t.split(n)
	}
	return nil
}

// split moves the metrics and retained id of call node n into a new
// statement child with the same key. Later children of n attach to n.
func (t *Tree) split(n NodeID) {
	nd := t.s.get(n)
	leaf := t.s.alloc(KindStatementRange, nd.addr)
	t.numNodes++
	t.Link(n, leaf)
	ld, nd := t.s.get(leaf), t.s.get(n)
	copy(ld.metrics, nd.metrics)
	for i := range nd.metrics {
		nd.metrics[i] = 0
	}
	if IsRetained(nd.id) {
		ld.id, nd.id = nd.id, ld.id
	}
}

func checkLoadModule(lm *loadmap.Registry, id uint32, node int32) uint32 {
	if !lm.Valid(id) {
		log.Warn().Uint32("lm_id", id).Int32("node_id", node).Msg("invalid load module id, using 0")
		return loadmap.NoModule
	}
	lm.MarkUsed(id)
	return id
}

func mapMetrics(dst, src []metric.Value, layout []metric.ValueType) {
	if layout == nil {
		copy(dst, src)
		return
	}
	s := 0
	for d, vt := range layout {
		if d >= len(dst) {
			return
		}
		if s < len(src) {
			dst[d] = src[s]
		}
		if vt != metric.ValueTypeIncl {
			s++
		}
	}
}
