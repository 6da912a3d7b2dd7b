package metrics

import (
	"testing"

	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/metric"
	"github.com/hpctoolkit/hpccct/internal/profile"
	"github.com/hpctoolkit/hpccct/internal/testutil"
)

func TestLocations(t *testing.T) {
	p := profile.New("app")
	if _, err := p.AddMetric(&metric.Descriptor{Name: "TIME", Kind: metric.KindRaw, Format: metric.FormatInt, Period: 1}); err != nil {
		t.Fatal(err)
	}
	app := p.AddLoadModule("/usr/bin/app", 0x400000, 0x1000)
	// 0x90 is reached from two different callers.
	for _, s := range []struct {
		frames frame.Sequence
		value  uint64
	}{
		{frame.Sequence{{LMID: app, IP: 0x90}, {LMID: app, IP: 0x10}}, 3},
		{frame.Sequence{{LMID: app, IP: 0x90}, {LMID: app, IP: 0x20}, {LMID: app, IP: 0x10}}, 4},
		{frame.Sequence{{LMID: app, IP: 0x30}, {LMID: app, IP: 0x10}}, 1},
	} {
		if _, err := p.Insert(s.frames, 0, metric.IntValue(s.value)); err != nil {
			t.Fatal(err)
		}
	}

	got := Locations(p, 0)
	want := []Location{
		{Fingerprint: fingerprint("app", 0x90), Module: "app", IP: 0x90, Values: []float64{7}, Sum: 7, NodeCount: 2},
		{Fingerprint: fingerprint("app", 0x30), Module: "app", IP: 0x30, Values: []float64{1}, Sum: 1, NodeCount: 1},
	}
	if want[0].Fingerprint > want[1].Fingerprint {
		want[0], want[1] = want[1], want[0]
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if Locations(p, 1) != nil {
		t.Fatal("expected no locations for an unknown metric")
	}
}

func TestAggregatorAddLocations(t *testing.T) {
	locations := []Location{
		{Module: "a", Fingerprint: 0, Values: []float64{40}, Sum: 40, NodeCount: 3},
		{Module: "b", Fingerprint: 1, Values: []float64{105}, Sum: 105, NodeCount: 2},
	}
	want := Aggregator{
		Metric:           "TIME",
		MaxUniqueEntries: 100,
		MaxNumOfExamples: 5,
		Locations: map[uint64]Location{
			0: {Module: "a", Fingerprint: 0, Values: []float64{40, 40}, Sum: 80, NodeCount: 6},
			1: {Module: "b", Fingerprint: 1, Values: []float64{105, 105}, Sum: 210, NodeCount: 4},
		},
		LocationsMetadata: map[uint64]LocationMetadata{
			0: {MaxVal: 40, WorstID: "1", Examples: []string{"1", "2"}},
			1: {MaxVal: 105, WorstID: "1", Examples: []string{"1", "2"}},
		},
	}

	ma := NewAggregator("TIME", 100, 5)
	// add the same locations twice: once coming from a profile with ID 1 and
	// the second one with ID 2
	ma.AddLocations(locations, "1")
	ma.AddLocations(locations, "2")
	if diff := testutil.Diff(ma, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAggregatorToMetrics(t *testing.T) {
	values := []float64{1, 2, 3, 4, 10, 8, 7, 11, 20}
	ma := Aggregator{
		MaxUniqueEntries: 1,
		Locations: map[uint64]Location{
			0: {Module: "a", Fingerprint: 0, IP: 0x10, Values: values, Sum: 66, NodeCount: 2},
			1: {Module: "b", Fingerprint: 1, IP: 0x20, Values: []float64{5}, Sum: 5, NodeCount: 1},
		},
		LocationsMetadata: map[uint64]LocationMetadata{
			0: {MaxVal: 20, WorstID: "3", Examples: []string{"1", "3"}},
			1: {MaxVal: 5, WorstID: "1", Examples: []string{"1"}},
		},
	}
	want := []LocationMetrics{
		{
			Module:      "a",
			IP:          "0x10",
			Fingerprint: 0,
			P75:         10,
			P95:         20,
			P99:         20,
			Avg:         float64(66) / float64(9),
			Sum:         66,
			Count:       2,
			Worst:       "3",
			Examples:    []string{"1", "3"},
		},
	}
	if diff := testutil.Diff(ma.ToMetrics(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAggregatorAddProfileSkipsMissingMetric(t *testing.T) {
	p := profile.New("app")
	if _, err := p.AddMetric(&metric.Descriptor{Name: "CYCLES", Format: metric.FormatInt}); err != nil {
		t.Fatal(err)
	}
	ma := NewAggregator("TIME", 10, 1)
	ma.AddProfile(p, "1")
	if len(ma.Locations) != 0 {
		t.Fatalf("unexpected locations: %v", ma.Locations)
	}
}
