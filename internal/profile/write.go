package profile

import (
	"fmt"
	"io"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/hpcfmt"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

type WriteOptions struct {
	// VirtualMetrics writes the metric table without per-node values.
	VirtualMetrics bool
	// NumMetrics limits the output to the first NumMetrics metrics. Zero
	// writes all of them.
	NumMetrics int
}

// Write encodes p as a single epoch. Retained call path ids that had to be
// renamed are applied to p.CCT and returned.
func Write(w io.Writer, p *Profile, opts WriteOptions) ([]cct.IDChange, error) {
	descs := p.Metrics.Descriptors()
	if opts.NumMetrics < 0 || opts.NumMetrics > len(descs) {
		return nil, fmt.Errorf("profile: %w: cannot write %d of %d metrics", errorutil.ErrInvalidInput, opts.NumMetrics, len(descs))
	}
	if opts.NumMetrics > 0 {
		descs = descs[:opts.NumMetrics]
	}
	virtual := opts.VirtualMetrics || p.IsMetricsVirtual

	hw := hpcfmt.NewWriter(w)
	header := hpcfmt.Header{Version: hpcfmt.Version, NVPairs: append(hpcfmt.NVPairs(nil), p.NVPairs...)}
	if p.Name != "" {
		header.NVPairs.Set(hpcfmt.NVProgramName, p.Name)
	}
	hpcfmt.WriteHeader(hw, header)

	eh := hpcfmt.EpochHeader{
		Flags:            p.Flags,
		RAToCallsiteOfst: p.RAToCallsiteOfst,
		Granularity:      p.MeasurementGranularity,
	}
	numValues := len(descs)
	if virtual {
		eh.NVPairs.Set(nvMetricsVirtual, "1")
		numValues = 0
	}
	hpcfmt.WriteEpochHeader(hw, eh)
	hpcfmt.WriteMetricTable(hw, descs)
	hpcfmt.WriteLoadMap(hw, p.LoadMap.Modules())

	changes, err := cct.Encode(hw, p.CCT, cct.EncodeOptions{
		NumMetrics:    numValues,
		LogicalUnwind: p.LogicalUnwind(),
	})
	if err != nil {
		return nil, err
	}
	if err := hw.Flush(); err != nil {
		return nil, fmt.Errorf("profile: write %q: %w", p.Name, err)
	}
	return changes, nil
}

// metricNames is used in log lines.
func metricNames(descs []*metric.Descriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Name)
	}
	return out
}
