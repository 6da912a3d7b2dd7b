// Package pprofexport converts profiles to the pprof format so that they can
// be inspected with go tool pprof.
package pprofexport

import (
	"fmt"
	"io"
	"math"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog/log"

	"github.com/hpctoolkit/hpccct/internal/cct"
	hpc "github.com/hpctoolkit/hpccct/internal/profile"
)

type locationKey struct {
	lmid uint32
	ip   uint64
}

// Convert builds a pprof profile with one sample type per metric, one
// mapping per load module and one sample per node that carries a nonzero
// value. Synthetic frames are left out of sample stacks.
func Convert(p *hpc.Profile) (*profile.Profile, error) {
	descs := p.Metrics.Descriptors()
	prof := &profile.Profile{
		PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
		Period:     1,
	}
	for _, d := range descs {
		unit := d.Unit
		if unit == "" {
			unit = "count"
		}
		prof.SampleType = append(prof.SampleType, &profile.ValueType{Type: d.Name, Unit: unit})
	}
	if len(descs) > 0 {
		prof.DefaultSampleType = descs[0].Name
		if descs[0].Period > 0 {
			prof.Period = int64(descs[0].Period)
		}
	}
	if p.Name != "" {
		prof.Comments = append(prof.Comments, "program: "+p.Name)
	}

	mappings := make(map[uint32]*profile.Mapping)
	for _, m := range p.LoadMap.Modules() {
		pm := &profile.Mapping{
			ID:    uint64(m.ID),
			Start: m.LoadAddr,
			Limit: m.LoadAddr + m.Size,
			File:  m.Name,
		}
		mappings[m.ID] = pm
		prof.Mapping = append(prof.Mapping, pm)
	}

	locations := make(map[locationKey]*profile.Location)
	location := func(a cct.Addr) *profile.Location {
		k := locationKey{lmid: a.LMID, ip: a.IP}
		if loc, ok := locations[k]; ok {
			return loc
		}
		loc := &profile.Location{ID: uint64(len(prof.Location) + 1), Address: a.IP}
		name := fmt.Sprintf("%#x", a.IP)
		if m, ok := mappings[a.LMID]; ok {
			loc.Mapping = m
			loc.Address = m.Start + a.IP
			name = fmt.Sprintf("%s+%#x", m.File, a.IP)
		}
		fn := &profile.Function{ID: uint64(len(prof.Function) + 1), Name: name, SystemName: name}
		prof.Function = append(prof.Function, fn)
		loc.Line = []profile.Line{{Function: fn}}
		locations[k] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	t := p.CCT
	dropped := 0
	t.WalkNodeFirst(t.Root(), func(id cct.NodeID, _ int) bool {
		if !t.HasMetrics(id) {
			return true
		}
		var stack []*profile.Location
		for n := id; n != cct.Nil; n = t.Parent(n) {
			a := t.Addr(n)
			if !t.Kind(n).HasAddr() || (a.IP == 0 && a.LMID == 0) || a == cct.PartialRootAddr {
				continue
			}
			// A split call site keeps its samples in a statement child at
			// the same address.
			if parent := t.Parent(n); t.Kind(n) == cct.KindStatementRange && parent != cct.Nil && t.Addr(parent) == a {
				continue
			}
			stack = append(stack, location(a))
		}
		if len(stack) == 0 {
			dropped++
			return true
		}
		values := make([]int64, len(descs))
		for i := range values {
			values[i] = int64(math.Round(t.Metric(id, i).Float(p.Metrics.Format(i))))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{Location: stack, Value: values})
		return true
	})
	if dropped > 0 {
		log.Debug().Int("nodes", dropped).Msg("values attributed to synthetic frames left out of the pprof profile")
	}
	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofexport: %w", err)
	}
	return prof, nil
}

// Write converts p and writes it gzip-compressed.
func Write(w io.Writer, p *hpc.Profile) error {
	prof, err := Convert(p)
	if err != nil {
		return err
	}
	return prof.Write(w)
}
