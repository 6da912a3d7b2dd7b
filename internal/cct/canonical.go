package cct

import "github.com/hpctoolkit/hpccct/internal/metric"

// IsCanonical reports whether the root of t is a canonical program root.
func (t *Tree) IsCanonical() bool {
	return t.Kind(t.root) == KindRoot
}

// Canonicalize replaces the synthetic wrapper frames above the program's
// real entry with a canonical root. The partial-unwind root is detached
// first; when the primary root then has a single trampoline child (ip 0)
// that level is spliced away too. The partial root is relinked under the
// new root. Metrics carried by the spliced levels move to the new root
// under reg's combine rules. Running it on a canonical tree does nothing.
// It reports whether t changed.
func Canonicalize(t *Tree, reg *metric.Registry) bool {
	if t.IsCanonical() {
		return false
	}
	old := t.root

	partial := Nil
	for c := t.FirstChild(old); c != Nil; c = t.NextSibling(c) {
		if t.Kind(c) == KindCall && t.Addr(c) == PartialRootAddr {
			partial = c
			break
		}
	}
	if partial != Nil {
		t.Unlink(partial)
	}

	top := old
	if c := t.FirstChild(old); c != Nil && t.NextSibling(c) == Nil &&
		t.Kind(c) == KindCall && t.Addr(c).IP == 0 {
		top = c
	}

	root := t.s.alloc(KindRoot, rootAddr)
	t.numNodes++
	ctx := &mergeContext{x: t, params: MergeParams{Registry: reg}, unique: true}
	for c := t.FirstChild(top); c != Nil; {
		next := t.NextSibling(c)
		t.Unlink(c)
		t.Link(root, c)
		c = next
	}
	ctx.mergeMe(root, old)
	if top != old {
		ctx.mergeMe(root, top)
		t.Unlink(top)
		t.s.release(top)
		t.numNodes--
	}
	t.s.release(old)
	t.numNodes--
	t.root = root

	if partial != Nil {
		t.Link(root, partial)
	}
	return true
}
