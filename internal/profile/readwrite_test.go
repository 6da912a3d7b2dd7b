package profile

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/hpcfmt"
	"github.com/hpctoolkit/hpccct/internal/lush"
	"github.com/hpctoolkit/hpccct/internal/metric"
	"github.com/hpctoolkit/hpccct/internal/testutil"
)

func encode(t *testing.T, p *Profile, opts WriteOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Write(&buf, p, opts); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sampleProfile(t *testing.T) *Profile {
	return build(t, "app", []string{"TIME", "CYCLES"}, []string{"app", "libc"},
		sample{call(1, 0x20, 0x10), 0, 10},
		sample{call(2, 0x80, 0x20, 0x10), 1, 3},
		sample{call(1, 0x30, 0x10), 0, 5})
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := sampleProfile(t)
	p.MeasurementGranularity = 4
	p.NVPairs.Set(hpcfmt.NVJobID, "7")
	want := paths(p)

	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{})), ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(paths(got), want); diff != "" {
		t.Fatalf("tree mismatch: (-got +want)\n%s", diff)
	}
	if diff := testutil.Diff(got.Metrics.Descriptors(), p.Metrics.Descriptors()); diff != "" {
		t.Fatalf("metric table mismatch: (-got +want)\n%s", diff)
	}
	if got.Name != "app" || got.MeasurementGranularity != 4 || got.Version != hpcfmt.Version {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if v, _ := got.NVPairs.Get(hpcfmt.NVJobID); v != "7" {
		t.Fatalf("job-id = %q, want 7", v)
	}
	for _, name := range []string{"app", "libc"} {
		if m, ok := got.LoadMap.FindByName(name); !ok || !m.Used() {
			t.Fatalf("module %s missing or unused: %v", name, m)
		}
	}
}

func TestReadFoldsDuplicateSiblings(t *testing.T) {
	p := build(t, "app", []string{"TIME"}, []string{"app"})
	p.Flags |= hpcfmt.FlagLogicalUnwind
	root := p.CCT.Root()
	ambiguous := p.CCT.NewNode(root, cct.KindCall, cct.Addr{LMID: 1, IP: 0x10, Assoc: lush.NewAssocInfo(lush.AssocMto1, 1)})
	p.CCT.SetMetric(p.CCT.NewNode(ambiguous, cct.KindCall, cct.Addr{LMID: 1, IP: 0x20}), 0, metric.IntValue(2))
	exact := p.CCT.NewNode(root, cct.KindCall, cct.Addr{LMID: 1, IP: 0x10, Assoc: lush.NewAssocInfo(lush.Assoc1to1, 1)})
	p.CCT.SetMetric(p.CCT.NewNode(exact, cct.KindCall, cct.Addr{LMID: 1, IP: 0x20}), 0, metric.IntValue(3))

	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{})), ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := got.CCT.Verify(); err != nil {
		t.Fatal(err)
	}
	if n := got.CCT.NumChildren(got.CCT.Root()); n != 1 {
		t.Fatalf("root has %d children, want 1", n)
	}
	want := map[string][]float64{
		"app:0x10":          nil,
		"app:0x10/app:0x20": {5},
	}
	if diff := testutil.Diff(paths(got), want); diff != "" {
		t.Fatalf("tree mismatch: (-got +want)\n%s", diff)
	}
}

func TestReadMergesEpochs(t *testing.T) {
	first := build(t, "app", []string{"TIME"}, []string{"app"},
		sample{call(1, 0x20, 0x10), 0, 10})
	second := build(t, "app", []string{"TIME"}, []string{"app"},
		sample{call(1, 0x20, 0x10), 0, 1},
		sample{call(1, 0x30, 0x10), 0, 2})

	var header bytes.Buffer
	hw := hpcfmt.NewWriter(&header)
	hpcfmt.WriteHeader(hw, hpcfmt.Header{Version: hpcfmt.Version, NVPairs: hpcfmt.NVPairs{{Name: hpcfmt.NVProgramName, Value: "app"}}})
	if err := hw.Flush(); err != nil {
		t.Fatal(err)
	}
	data := encode(t, first, WriteOptions{})
	data = append(data, encode(t, second, WriteOptions{})[header.Len():]...)

	got, err := Read(bytes.NewReader(data), ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]float64{
		"app:0x10":          nil,
		"app:0x10/app:0x20": {11},
		"app:0x10/app:0x30": {2},
	}
	if diff := testutil.Diff(paths(got), want); diff != "" {
		t.Fatalf("tree mismatch: (-got +want)\n%s", diff)
	}
}

func TestReadErrorsNameTheLocation(t *testing.T) {
	data := encode(t, sampleProfile(t), WriteOptions{})

	_, err := Read(bytes.NewReader(data[:len(data)-3]), ReadOptions{Source: "run.hpcrun"})
	var ferr *errorutil.FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a FormatError, got %v", err)
	}
	if !errors.Is(err, errorutil.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if ferr.Source != "run.hpcrun" || ferr.Epoch != 0 || ferr.NodeID == 0 {
		t.Fatalf("unexpected location: %+v", ferr)
	}

	_, err = Read(bytes.NewReader([]byte("HPCRUN-profile____01.00b")), ReadOptions{})
	if !errors.Is(err, errorutil.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestReadOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        ReadOptions
		period      uint64
		wantMetrics []string
		wantLeaf    []float64
		wantVirtual bool
	}{
		{
			name:        "plain",
			period:      1,
			wantMetrics: []string{"TIME"},
			wantLeaf:    []float64{3},
		},
		{
			name:        "scale by period",
			opts:        ReadOptions{ScaleByPeriod: true},
			period:      5,
			wantMetrics: []string{"TIME"},
			wantLeaf:    []float64{15},
		},
		{
			name:        "inclusive and exclusive",
			opts:        ReadOptions{MakeInclExcl: true},
			period:      1,
			wantMetrics: []string{"TIME (I)", "TIME (E)"},
			wantLeaf:    []float64{3, 3},
		},
		{
			name:        "no metric values",
			opts:        ReadOptions{NoMetricValues: true},
			period:      1,
			wantMetrics: []string{"TIME"},
		},
		{
			name:        "virtual metrics",
			opts:        ReadOptions{VirtualMetrics: true},
			period:      1,
			wantMetrics: []string{"TIME"},
			wantVirtual: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := build(t, "app", []string{"TIME"}, []string{"app"}, sample{call(1, 0x20, 0x10), 0, 3})
			p.Metrics.At(0).Period = tt.period
			got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{})), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if diff := testutil.Diff(metricNamesOf(got), tt.wantMetrics); diff != "" {
				t.Fatalf("metrics mismatch: (-got +want)\n%s", diff)
			}
			if diff := testutil.Diff(paths(got)["app:0x10/app:0x20"], tt.wantLeaf); diff != "" {
				t.Fatalf("leaf mismatch: (-got +want)\n%s", diff)
			}
			if got.IsMetricsVirtual != tt.wantVirtual {
				t.Fatalf("IsMetricsVirtual = %v, want %v", got.IsMetricsVirtual, tt.wantVirtual)
			}
		})
	}
}

func TestScaleByPeriodConvertsDescriptors(t *testing.T) {
	p := build(t, "app", []string{"TIME"}, []string{"app"}, sample{call(1, 0x20), 0, 3})
	p.Metrics.At(0).Period = 2
	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{})), ReadOptions{ScaleByPeriod: true})
	if err != nil {
		t.Fatal(err)
	}
	d := got.Metrics.At(0)
	if d.Format != metric.FormatReal || d.Period != 1 || d.Kind != metric.KindFinal {
		t.Fatalf("unexpected descriptor: %v", d)
	}
}

func TestWriteVirtualMetrics(t *testing.T) {
	p := sampleProfile(t)
	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{VirtualMetrics: true})), ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsMetricsVirtual || got.Metrics.Len() != 2 {
		t.Fatalf("expected a virtual table of 2 metrics, got %v (%d)", got.IsMetricsVirtual, got.Metrics.Len())
	}
	for path, vals := range paths(got) {
		if vals != nil {
			t.Fatalf("%s: unexpected values %v", path, vals)
		}
	}
}

func TestWriteMetricPrefix(t *testing.T) {
	p := sampleProfile(t)
	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{NumMetrics: 1})), ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(metricNamesOf(got), []string{"TIME"}); diff != "" {
		t.Fatalf("metrics mismatch: (-got +want)\n%s", diff)
	}
	if _, ok := paths(got)["app:0x10/app:0x20/libc:0x80"]; !ok {
		t.Fatal("expected the path of the dropped metric to survive")
	}
	if _, err := Write(&bytes.Buffer{}, p, WriteOptions{NumMetrics: 3}); !errors.Is(err, errorutil.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReadCanonicalize(t *testing.T) {
	p := sampleProfile(t)
	got, err := Read(bytes.NewReader(encode(t, p, WriteOptions{})), ReadOptions{Canonicalize: true})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CCT.IsCanonical() {
		t.Fatal("expected a canonical tree")
	}
	if diff := testutil.Diff(paths(got), paths(p)); diff != "" {
		t.Fatalf("tree mismatch: (-got +want)\n%s", diff)
	}
}
