package cct

import "github.com/hpctoolkit/hpccct/internal/metric"

// Coalesce merges siblings that share a key. Insertion and merge never
// create them, but a decoded tree holds whatever the file held. Each merge may expose new duplicates below and beside the
// surviving node, so the affected parents are pushed back on a worklist
// and rescanned. It returns the number of nodes folded away.
func Coalesce(t *Tree, reg *metric.Registry) int {
	ctx := &mergeContext{x: t, params: MergeParams{Registry: reg}, unique: true}
	before := t.numNodes
	work := []NodeID{t.root}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if t.s.get(n).freed {
			continue
		}
		a, b := t.findDuplicate(n)
		if a == Nil {
			for c := t.FirstChild(n); c != Nil; c = t.NextSibling(c) {
				work = append(work, c)
			}
			continue
		}
		t.Unlink(b)
		ctx.mergeMe(a, b)
		ctx.mergeDeep(a, b)
		t.s.release(b)
		t.numNodes--
		// a's key may have been narrowed: rescan n.
		work = append(work, n)
	}
	return before - t.numNodes
}

func (t *Tree) findDuplicate(parent NodeID) (NodeID, NodeID) {
	for a := t.FirstChild(parent); a != Nil; a = t.NextSibling(a) {
		an := t.s.get(a)
		for b := t.NextSibling(a); b != Nil; b = t.NextSibling(b) {
			if sameKey(an, t.s.get(b)) {
				return a, b
			}
		}
	}
	return Nil, Nil
}
