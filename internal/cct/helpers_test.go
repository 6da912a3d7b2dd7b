package cct

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

func testRegistry(combines ...metric.Combine) *metric.Registry {
	r := metric.NewRegistry()
	for i, c := range combines {
		_, _ = r.Insert(&metric.Descriptor{
			Name:    fmt.Sprintf("M%d", i),
			Kind:    metric.KindRaw,
			Format:  metric.FormatInt,
			Combine: c,
			Period:  1,
		})
	}
	return r
}

// seq builds a backtrace from instruction pointers, innermost first.
func seq(ips ...uint64) frame.Sequence {
	s := make(frame.Sequence, 0, len(ips))
	for _, ip := range ips {
		s = append(s, frame.Frame{LMID: 1, IP: ip})
	}
	return s
}

func growableTree(metrics int) *Tree {
	return NewTree(NewStore(StoreOptions{MetricsPerNode: metrics, Growable: true}))
}

func mustInsert(t *testing.T, tr *Tree, frames frame.Sequence, m int, v uint64, reg *metric.Registry) NodeID {
	t.Helper()
	n, err := tr.Insert(Nil, frames, m, metric.IntValue(v), reg, InsertOptions{})
	if err != nil {
		t.Fatalf("Insert(%v): %v", frames, err)
	}
	return n
}

// randomTree inserts n samples drawn from a small alphabet of frames.
func randomTree(t *testing.T, seed int64, n int, reg *metric.Registry) *Tree {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	tr := growableTree(reg.Len())
	for i := 0; i < n; i++ {
		depth := 1 + rng.Intn(5)
		frames := make(frame.Sequence, depth)
		for j := range frames {
			frames[j] = frame.Frame{
				LMID: uint32(1 + rng.Intn(2)),
				IP:   uint64(0x100 * (1 + rng.Intn(3))),
			}
		}
		m := rng.Intn(reg.Len())
		if _, err := tr.Insert(Nil, frames, m, metric.IntValue(uint64(1+rng.Intn(10))), reg, InsertOptions{RetainRecursion: true}); err != nil {
			t.Fatal(err)
		}
	}
	return tr
}

func pathKey(tr *Tree, id NodeID) string {
	parts := []string{}
	for _, a := range tr.PathTo(id) {
		parts = append(parts, a.String())
	}
	return tr.Kind(id).String() + ":" + strings.Join(parts, "/")
}

// pathMetrics flattens a tree into call path -> metric values, dropping
// trailing zeros so that vector lengths do not matter.
func pathMetrics(tr *Tree) map[string][]uint64 {
	out := make(map[string][]uint64)
	tr.WalkNodeFirst(tr.Root(), func(id NodeID, _ int) bool {
		if id == tr.Root() {
			return true
		}
		var vals []uint64
		for _, v := range tr.Metrics(id) {
			vals = append(vals, v.Int())
		}
		for len(vals) > 0 && vals[len(vals)-1] == 0 {
			vals = vals[:len(vals)-1]
		}
		if len(vals) == 0 {
			vals = nil
		}
		out[pathKey(tr, id)] = vals
		return true
	})
	return out
}
