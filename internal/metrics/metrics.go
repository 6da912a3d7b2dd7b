// Package metrics aggregates exclusive metric values per code location
// across profiles.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/nodetree"
	"github.com/hpctoolkit/hpccct/internal/profile"
)

// Location is a code address aggregated over every calling context that
// reaches it.
type Location struct {
	Fingerprint uint64
	Module      string
	IP          uint64
	// Values holds one sum per contributing profile.
	Values    []float64
	Sum       float64
	NodeCount uint64
}

type LocationMetadata struct {
	MaxVal   float64
	WorstID  string
	Examples []string
}

type Aggregator struct {
	// Metric is the name of the metric being aggregated.
	Metric            string
	MaxUniqueEntries  uint
	MaxNumOfExamples  uint
	Locations         map[uint64]Location
	LocationsMetadata map[uint64]LocationMetadata
}

type LocationMetrics struct {
	Module      string   `json:"module"`
	IP          string   `json:"ip"`
	Fingerprint uint64   `json:"fingerprint"`
	P75         float64  `json:"p75"`
	P95         float64  `json:"p95"`
	P99         float64  `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         float64  `json:"sum"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(metric string, maxUniqueEntries uint, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		Metric:            metric,
		MaxUniqueEntries:  maxUniqueEntries,
		MaxNumOfExamples:  maxNumOfExamples,
		Locations:         make(map[uint64]Location),
		LocationsMetadata: make(map[uint64]LocationMetadata),
	}
}

func fingerprint(module string, ip uint64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(module)
	_, _ = h.WriteString(fmt.Sprintf(":%x", ip))
	return h.Sum64()
}

// Locations sums the exclusive values of metric m in p per (load module, ip)
// pair. Nodes without an address or without a value are skipped.
func Locations(p *profile.Profile, m int) []Location {
	if m < 0 || m >= p.Metrics.Len() {
		return nil
	}
	format := p.Metrics.Format(m)
	byKey := make(map[uint64]*Location)
	t := p.CCT
	t.WalkNodeFirst(t.Root(), func(id cct.NodeID, _ int) bool {
		v := t.Metric(id, m)
		if v.IsZero() || !t.Kind(id).HasAddr() {
			return true
		}
		a := t.Addr(id)
		module := ""
		if mod := p.LoadMap.Module(a.LMID); mod != nil {
			module = nodetree.ModuleBaseName(mod.Name)
		}
		fp := fingerprint(module, a.IP)
		l, ok := byKey[fp]
		if !ok {
			l = &Location{Fingerprint: fp, Module: module, IP: a.IP}
			byKey[fp] = l
		}
		l.Sum += v.Float(format)
		l.NodeCount++
		return true
	})
	out := make([]Location, 0, len(byKey))
	for _, l := range byKey {
		l.Values = []float64{l.Sum}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// AddProfile aggregates the metric named ma.Metric from p. Profiles that do
// not carry it are ignored.
func (ma *Aggregator) AddProfile(p *profile.Profile, ID string) {
	for i, d := range p.Metrics.Descriptors() {
		if d.Name == ma.Metric {
			ma.AddLocations(Locations(p, i), ID)
			return
		}
	}
}

func (ma *Aggregator) AddLocations(locations []Location, ID string) {
	for _, l := range locations {
		if loc, ok := ma.Locations[l.Fingerprint]; ok {
			loc.NodeCount += l.NodeCount
			loc.Values = append(loc.Values, l.Values...)
			loc.Sum += l.Sum
			md := ma.LocationsMetadata[l.Fingerprint]
			if l.Sum > md.MaxVal {
				md.MaxVal = l.Sum
				md.WorstID = ID
			}
			if len(md.Examples) < int(ma.MaxNumOfExamples) {
				md.Examples = append(md.Examples, ID)
			}
			ma.LocationsMetadata[l.Fingerprint] = md
			ma.Locations[l.Fingerprint] = loc
		} else {
			ma.Locations[l.Fingerprint] = l
			ma.LocationsMetadata[l.Fingerprint] = LocationMetadata{
				MaxVal:   l.Sum,
				WorstID:  ID,
				Examples: []string{ID},
			}
		}
	}
}

// ToMetrics returns the MaxUniqueEntries locations with the largest sums.
func (ma *Aggregator) ToMetrics() []LocationMetrics {
	metrics := make([]LocationMetrics, 0, len(ma.Locations))

	for _, l := range ma.Locations {
		values := append([]float64(nil), l.Values...)
		sort.Float64s(values)
		p75, _ := quantile(values, 0.75)
		p95, _ := quantile(values, 0.95)
		p99, _ := quantile(values, 0.99)
		metrics = append(metrics, LocationMetrics{
			Module:      l.Module,
			IP:          fmt.Sprintf("%#x", l.IP),
			Fingerprint: l.Fingerprint,
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         l.Sum / float64(len(values)),
			Sum:         l.Sum,
			Count:       l.NodeCount,
			Worst:       ma.LocationsMetadata[l.Fingerprint].WorstID,
			Examples:    ma.LocationsMetadata[l.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueEntries) {
		metrics = metrics[:ma.MaxUniqueEntries]
	}
	return metrics
}

func quantile(values []float64, q float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
