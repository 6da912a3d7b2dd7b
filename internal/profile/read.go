package profile

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/hpcfmt"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

type ReadOptions struct {
	// MakeInclExcl turns every raw metric into an inclusive and an
	// exclusive metric, both initialized from the stored value.
	MakeInclExcl bool
	// VirtualMetrics keeps the metric table but marks it virtual and does
	// not attach values to nodes.
	VirtualMetrics bool
	// NoMetricValues drops metric values while keeping the table.
	NoMetricValues bool
	// ScaleByPeriod multiplies every value by its metric's period and
	// stores the result as a real number with period 1.
	ScaleByPeriod bool
	// SplitNodes separates samples attributed to interior call sites into
	// statement children.
	SplitNodes bool
	// Canonicalize removes synthetic root frames after reading.
	Canonicalize bool
	// Source names the input in errors.
	Source  string
	Counter *cct.IDCounter
}

// Read decodes a profile. Every epoch of the input is read and merged into
// the result in file order.
func Read(r io.Reader, opts ReadOptions) (*Profile, error) {
	log.Debug().Str("source", opts.Source).Stringer("options", opts).Msg("reading profile")
	hr := hpcfmt.NewReader(r)
	header, err := hpcfmt.ReadHeader(hr)
	if err != nil {
		return nil, locate(err, opts.Source, -1, 0)
	}

	var p *Profile
	for epoch := 0; !hr.AtEOF(); epoch++ {
		start := hr.Offset()
		ep, err := readEpoch(hr, opts)
		if err != nil {
			return nil, locate(err, opts.Source, epoch, start)
		}
		if p == nil {
			p = ep
			continue
		}
		if _, changes, err := Merge(p, ep, MergeOptions{Policy: MergeByID}); err != nil {
			return nil, locate(err, opts.Source, epoch, start)
		} else if len(changes) > 0 {
			log.Debug().Int("epoch", epoch).Int("changes", len(changes)).Msg("retained call path ids renamed while merging epochs")
		}
	}
	if p == nil {
		p = New("")
	}
	p.Version = header.Version
	p.NVPairs = header.NVPairs
	if name, ok := header.NVPairs.Get(hpcfmt.NVProgramName); ok {
		p.Name = name
	}
	if opts.Canonicalize {
		p.Canonicalize()
	}
	return p, nil
}

// locate turns err into a FormatError naming where it happened, keeping
// the offset and node id of an inner FormatError.
func locate(err error, source string, epoch int, offset int64) error {
	var ferr *errorutil.FormatError
	if errors.As(err, &ferr) {
		ferr.Source = source
		ferr.Epoch = epoch
		return ferr
	}
	return &errorutil.FormatError{Source: source, Epoch: epoch, Offset: offset, Err: err}
}

func readEpoch(hr *hpcfmt.Reader, opts ReadOptions) (*Profile, error) {
	eh, err := hpcfmt.ReadEpochHeader(hr)
	if err != nil {
		return nil, err
	}
	descs, err := hpcfmt.ReadMetricTable(hr)
	if err != nil {
		return nil, err
	}
	mods, err := hpcfmt.ReadLoadMap(hr)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Version:                hpcfmt.Version,
		Flags:                  eh.Flags,
		MeasurementGranularity: eh.Granularity,
		RAToCallsiteOfst:       eh.RAToCallsiteOfst,
		Metrics:                metric.NewRegistry(descs...),
		LoadMap:                loadmap.NewRegistry(),
	}
	for _, m := range mods {
		if err := p.LoadMap.InsertWithID(m); err != nil {
			return nil, err
		}
	}

	numSrc := len(descs)
	if v, ok := eh.NVPairs.Get(nvMetricsVirtual); ok && v == "1" {
		numSrc = 0
		p.IsMetricsVirtual = true
	}
	var layout []metric.ValueType
	if opts.MakeInclExcl {
		p.Metrics = p.Metrics.MakeInclExcl()
		layout = make([]metric.ValueType, 0, p.Metrics.Len())
		for _, d := range p.Metrics.Descriptors() {
			layout = append(layout, d.ValueType)
		}
	}
	if opts.VirtualMetrics || opts.NoMetricValues || p.IsMetricsVirtual {
		layout = []metric.ValueType{}
		p.IsMetricsVirtual = p.IsMetricsVirtual || opts.VirtualMetrics
	}

	p.CCT, err = cct.Decode(hr, cct.DecodeOptions{
		NumMetrics:    numSrc,
		Layout:        layout,
		LogicalUnwind: eh.LogicalUnwind(),
		SplitNodes:    opts.SplitNodes,
		LoadMap:       p.LoadMap,
		Counter:       opts.Counter,
	})
	if err != nil {
		return nil, err
	}
	if n := cct.Coalesce(p.CCT, p.Metrics); n > 0 {
		log.Debug().Int("nodes", n).Msg("folded duplicate siblings")
	}
	if opts.ScaleByPeriod && len(layout) != 0 {
		scaleByPeriod(p)
	}
	return p, nil
}

// scaleByPeriod converts every value to a real number of events.
func scaleByPeriod(p *Profile) {
	descs := p.Metrics.Descriptors()
	t := p.CCT
	t.WalkNodeFirst(t.Root(), func(id cct.NodeID, _ int) bool {
		m := t.Metrics(id)
		for i := range m {
			if i >= len(descs) || m[i].IsZero() {
				continue
			}
			d := descs[i]
			period := float64(d.Period)
			if d.Period == 0 {
				period = 1
			}
			m[i] = metric.RealValue(m[i].Float(d.Format) * period)
		}
		return true
	})
	for _, d := range descs {
		d.Format = metric.FormatReal
		d.Period = 1
		if d.Kind == metric.KindRaw {
			d.Kind = metric.KindFinal
		}
	}
}

func (o ReadOptions) String() string {
	return fmt.Sprintf("incl/excl=%v virtual=%v novalues=%v scale=%v split=%v canonical=%v",
		o.MakeInclExcl, o.VirtualMetrics, o.NoMetricValues, o.ScaleByPeriod, o.SplitNodes, o.Canonicalize)
}
