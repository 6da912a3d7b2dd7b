// Package profile ties a CCT to the metric and load-module tables it is
// measured against, and reads, writes and merges whole profiles.
package profile

import (
	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/hpcfmt"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

// nvMetricsVirtual marks epochs written without metric values.
const nvMetricsVirtual = "metrics-virtual"

type Profile struct {
	Name string
	// Version is the format version read from the file header.
	Version                string
	Flags                  uint64
	MeasurementGranularity uint64
	RAToCallsiteOfst       uint32
	NVPairs                hpcfmt.NVPairs

	Metrics *metric.Registry
	LoadMap *loadmap.Registry
	CCT     *cct.Tree

	// IsMetricsVirtual is set when the registry describes metrics whose
	// values are not attached to the tree.
	IsMetricsVirtual bool
}

// New returns an empty profile.
func New(name string) *Profile {
	return &Profile{
		Name:    name,
		Version: hpcfmt.Version,
		Metrics: metric.NewRegistry(),
		LoadMap: loadmap.NewRegistry(),
		CCT:     cct.NewGrowableTree(0),
	}
}

// LogicalUnwind reports whether node records carry logical unwind data.
func (p *Profile) LogicalUnwind() bool {
	return p.Flags&hpcfmt.FlagLogicalUnwind != 0
}

// Canonicalize removes the synthetic frames above the program entry.
func (p *Profile) Canonicalize() bool {
	return cct.Canonicalize(p.CCT, p.Metrics)
}

// AddMetric registers d and returns its id.
func (p *Profile) AddMetric(d *metric.Descriptor) (int, error) {
	return p.Metrics.Insert(d)
}

// AddLoadModule registers a module and returns its id.
func (p *Profile) AddLoadModule(name string, loadAddr, size uint64) uint32 {
	return p.LoadMap.Insert(&loadmap.Module{Name: name, LoadAddr: loadAddr, Size: size})
}

// Insert records one sample of metric metricID with value v at the calling
// context described by frames, innermost first.
func (p *Profile) Insert(frames frame.Sequence, metricID int, v metric.Value) (cct.NodeID, error) {
	for _, f := range frames {
		p.LoadMap.MarkUsed(f.LMID)
	}
	return p.CCT.Insert(cct.Nil, frames, metricID, v, p.Metrics, cct.InsertOptions{})
}
