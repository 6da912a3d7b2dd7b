package cct

import (
	"errors"
	"testing"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/lush"
	"github.com/hpctoolkit/hpccct/internal/metric"
	"github.com/hpctoolkit/hpccct/internal/testutil"
)

func mustMerge(t *testing.T, x, y *Tree, params MergeParams) []IDChange {
	t.Helper()
	changes, err := Merge(x, y, params)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Verify(); err != nil {
		t.Fatal(err)
	}
	return changes
}

func TestMergeAssociativeAndCommutative(t *testing.T) {
	reg := testRegistry(metric.CombineSum, metric.CombineMax, metric.CombineMin)
	params := MergeParams{Registry: reg}
	build := func(seed int64) *Tree { return randomTree(t, seed, 300, reg) }

	ab := build(1)
	mustMerge(t, ab, build(2), params)
	mustMerge(t, ab, build(3), params)

	bc := build(2)
	mustMerge(t, bc, build(3), params)
	a := build(1)
	mustMerge(t, a, bc, params)

	ac := build(1)
	mustMerge(t, ac, build(3), params)
	mustMerge(t, ac, build(2), params)

	want := pathMetrics(ab)
	if diff := testutil.Diff(pathMetrics(a), want); diff != "" {
		t.Fatalf("merge(A, merge(B, C)) differs: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(pathMetrics(ac), want); diff != "" {
		t.Fatalf("merge(merge(A, C), B) differs: got - want +\n%s", diff)
	}

	total := func(tr *Tree) uint64 {
		var sum uint64
		tr.WalkNodeFirst(tr.Root(), func(id NodeID, _ int) bool {
			sum += tr.Metric(id, 0).Int()
			return true
		})
		return sum
	}
	if got, want := total(ab), total(build(1))+total(build(2))+total(build(3)); got != want {
		t.Fatalf("summed metric total %d, want %d", got, want)
	}
}

func TestMergeRelinksAndShiftsMetrics(t *testing.T) {
	reg := testRegistry(metric.CombineSum, metric.CombineSum)
	one := testRegistry(metric.CombineSum)

	x := growableTree(1)
	mustInsert(t, x, seq(0x200, 0x100), 0, 5, one)
	y := growableTree(1)
	mustInsert(t, y, seq(0x200, 0x100), 0, 3, one)
	mustInsert(t, y, seq(0x400, 0x300), 0, 7, one)

	mustMerge(t, x, y, MergeParams{MetricOffset: 1, Registry: reg})
	want := map[string][]uint64{
		"call:1:0x100":         nil,
		"call:1:0x100/1:0x200": {5, 3},
		"call:1:0x300":         nil,
		"call:1:0x300/1:0x400": {0, 7},
	}
	if diff := testutil.Diff(pathMetrics(x), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if x.NumNodes() != 5 {
		t.Fatalf("NumNodes() = %d, want 5", x.NumNodes())
	}
}

func TestMergeKeepsRetainedIDsUnique(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	x := growableTree(1)
	xa := mustInsert(t, x, seq(0x100), 0, 1, reg)
	x.SetPersistentID(xa, 13)

	y := growableTree(1)
	ya := mustInsert(t, y, seq(0x100), 0, 1, reg)
	y.SetPersistentID(ya, 15)
	yb := mustInsert(t, y, seq(0x200), 0, 1, reg)
	y.SetPersistentID(yb, 13)

	changes := mustMerge(t, x, y, MergeParams{Registry: reg})
	if len(changes) != 2 {
		t.Fatalf("got %d id changes, want 2: %v", len(changes), changes)
	}
	if changes[0] != (IDChange{Old: 15, New: 13}) {
		t.Fatalf("unexpected change %v", changes[0])
	}
	if changes[1].Old != 13 || changes[1].New == 13 || !IsRetained(changes[1].New) {
		t.Fatalf("unexpected change %v", changes[1])
	}
	moved := x.FindChild(x.Root(), Addr{LMID: 1, IP: 0x200})
	if x.PersistentID(moved) != changes[1].New {
		t.Fatal("relinked node does not carry the new id")
	}
}

func TestMergeRejectsMismatchedRoots(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	x := growableTree(1)
	mustInsert(t, x, seq(0x100), 0, 1, reg)
	Canonicalize(x, reg)
	y := growableTree(1)
	mustInsert(t, y, seq(0x100), 0, 1, reg)

	before := pathMetrics(x)
	if _, err := Merge(x, y, MergeParams{Registry: reg}); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
	if diff := testutil.Diff(pathMetrics(x), before); diff != "" {
		t.Fatalf("failed merge modified x: %s", diff)
	}
	if y.NumNodes() != 2 {
		t.Fatal("failed merge consumed y")
	}

	Canonicalize(y, reg)
	mustMerge(t, x, y, MergeParams{Registry: reg})
	if got := x.Metric(x.FindChild(x.Root(), Addr{LMID: 1, IP: 0x100}), 0).Int(); got != 2 {
		t.Fatalf("metric = %d, want 2", got)
	}
}

func TestMergeNarrowsAssociation(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	x := growableTree(1)
	xa := x.InsertAddr(x.Root(), Addr{LMID: 1, IP: 0x100, Assoc: lush.NewAssocInfo(lush.AssocMto1, 1)}, nil)
	y := growableTree(1)
	y.InsertAddr(y.Root(), Addr{LMID: 1, IP: 0x100, Assoc: lush.NewAssocInfo(lush.Assoc1to1, 1)}, nil)

	mustMerge(t, x, y, MergeParams{Registry: reg})
	if x.NumChildren(x.Root()) != 1 || x.Addr(xa).Assoc.Assoc() != lush.Assoc1to1 {
		t.Fatal("expected the nodes to merge and the tag to narrow")
	}
}

func TestMergeFoldsNarrowedSiblings(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	info := func(a lush.Assoc) lush.AssocInfo { return lush.NewAssocInfo(a, 1) }
	x := growableTree(1)
	a := x.InsertAddr(x.Root(), Addr{LMID: 1, IP: 0x100, Assoc: info(lush.AssocMto1)}, reg)
	x.SetMetric(a, 0, 1)
	b := x.InsertAddr(x.Root(), Addr{LMID: 1, IP: 0x100, Assoc: info(lush.Assoc1toM)}, reg)
	x.SetMetric(b, 0, 2)
	y := growableTree(1)
	y.SetMetric(y.InsertAddr(y.Root(), Addr{LMID: 1, IP: 0x100, Assoc: info(lush.Assoc1to1)}, reg), 0, 4)

	mustMerge(t, x, y, MergeParams{Registry: reg})
	if err := x.Verify(); err != nil {
		t.Fatal(err)
	}
	want := map[string][]uint64{
		"call:1:0x100 [1-to-1/1 <null>]": {7},
	}
	if diff := testutil.Diff(pathMetrics(x), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMergeable(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	tree := func(canonical bool, root Addr) *Tree {
		tr := growableTree(1)
		mustInsert(t, tr, seq(0x100), 0, 1, reg)
		tr.SetAddr(tr.Root(), root)
		if canonical {
			Canonicalize(tr, reg)
		}
		return tr
	}
	tests := []struct {
		name    string
		x, y    *Tree
		wantErr error
	}{
		{"both synthetic", tree(false, Addr{}), tree(false, Addr{}), nil},
		{"both canonical", tree(true, Addr{}), tree(true, Addr{IP: 0x42}), nil},
		{"one canonical", tree(true, Addr{}), tree(false, Addr{IP: 0x42}), nil},
		{"different synthetic roots", tree(false, Addr{}), tree(false, Addr{IP: 0x42}), errorutil.ErrDataIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Mergeable(tt.x, tt.y); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Mergeable() = %v, want %v", err, tt.wantErr)
			}
		})
	}
	x := tree(false, Addr{})
	if err := Mergeable(x, x); !errors.Is(err, errorutil.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a self merge, got %v", err)
	}
}

func TestFixLoadModules(t *testing.T) {
	reg := testRegistry(metric.CombineSum)
	tr := growableTree(1)
	n := tr.InsertAddr(tr.Root(), Addr{LMID: 1, IP: 0x100, LIP: lush.LIP{LMID: 2, IP: 0x10}}, nil)
	m := tr.InsertAddr(n, Addr{LMID: 2, IP: 0x200}, nil)
	mustInsert(t, tr, seq(0x300), 0, 1, reg)

	FixLoadModules(tr, []loadmap.MergeEffect{{Old: 1, New: 2}, {Old: 2, New: 1}})
	if got := tr.Addr(n); got.LMID != 2 || got.LIP.LMID != 1 {
		t.Fatalf("unexpected addr %v", got)
	}
	if got := tr.Addr(m); got.LMID != 1 {
		t.Fatalf("unexpected addr %v", got)
	}
}
