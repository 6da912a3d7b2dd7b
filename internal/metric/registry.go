package metric

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
)

var errFrozen = fmt.Errorf("metric: %w: registry is frozen", errorutil.ErrInvalidInput)

// Registry maps dense metric ids (0..Len()-1) to descriptors.
//
// A registry is mutated only during setup and merge. Freeze marks the start
// of the sampling phase, after which it is shared read-only between threads.
type Registry struct {
	descs  []*Descriptor
	frozen bool
}

func NewRegistry(descs ...*Descriptor) *Registry {
	r := &Registry{}
	for _, d := range descs {
		r.descs = append(r.descs, d)
	}
	return r
}

// Insert appends d and returns its id.
func (r *Registry) Insert(d *Descriptor) (int, error) {
	if r.frozen {
		return -1, errFrozen
	}
	r.descs = append(r.descs, d)
	return len(r.descs) - 1, nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.descs)
}

func (r *Registry) At(id int) *Descriptor {
	return r.descs[id]
}

// Descriptors returns the registered descriptors in id order. The slice must
// not be modified.
func (r *Registry) Descriptors() []*Descriptor {
	return r.descs
}

func (r *Registry) Freeze() {
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	return r.frozen
}

// Clone returns an unfrozen deep copy.
func (r *Registry) Clone() *Registry {
	c := &Registry{descs: make([]*Descriptor, 0, len(r.descs))}
	for _, d := range r.descs {
		c.descs = append(c.descs, d.Clone())
	}
	return c
}

// Format returns the value format of metric id, or FormatNull when id is out
// of range.
func (r *Registry) Format(id int) ValueFormat {
	if r == nil || id < 0 || id >= len(r.descs) {
		return FormatNull
	}
	return r.descs[id].Format
}

// Combine merges b into a using metric id's rule. Unknown ids are summed as
// integers.
func (r *Registry) Combine(id int, a, b Value) Value {
	if r == nil || id < 0 || id >= len(r.descs) {
		return Apply(CombineSum, FormatInt, a, b)
	}
	d := r.descs[id]
	return Apply(d.Combine, d.Format, a, b)
}

// FindGroup looks for other's descriptors, in order, as a contiguous run of
// r's descriptors matched by name. It returns the id in r of other's first
// metric. An empty other never matches.
func (r *Registry) FindGroup(other *Registry) (int, bool) {
	n := other.Len()
	if n == 0 || n > r.Len() {
		return 0, false
	}
	byName := make(map[string][]int, len(r.descs))
	for i, d := range r.descs {
		byName[d.Name] = append(byName[d.Name], i)
	}
	for _, start := range byName[other.descs[0].Name] {
		if start+n > len(r.descs) {
			continue
		}
		ok := true
		for j := 1; j < n; j++ {
			if r.descs[start+j].Name != other.descs[j].Name {
				ok = false
				break
			}
		}
		if ok {
			return start, true
		}
	}
	return 0, false
}

// Validate checks every descriptor's value format.
func (r *Registry) Validate() error {
	for i, d := range r.descs {
		if !d.Format.Valid() {
			return fmt.Errorf("metric: %w: metric %d (%q) has format code %d", errorutil.ErrUnknownValueFormat, i, d.Name, uint8(d.Format))
		}
	}
	return nil
}

// MakeInclExcl returns a registry in which each Raw descriptor is replaced by
// an inclusive and an exclusive descriptor, inclusive first. Other
// descriptors are copied as is. Partner ids point at the counterpart.
func (r *Registry) MakeInclExcl() *Registry {
	out := &Registry{descs: make([]*Descriptor, 0, 2*len(r.descs))}
	for _, d := range r.descs {
		if d.Kind != KindRaw && d.Kind != KindNull {
			out.descs = append(out.descs, d.Clone())
			continue
		}
		incl := d.Clone()
		incl.Name = d.Name + " (I)"
		incl.ValueType = ValueTypeIncl
		excl := d.Clone()
		excl.Name = d.Name + " (E)"
		excl.ValueType = ValueTypeExcl
		base := len(out.descs)
		incl.Partner = uint16(base + 1)
		excl.Partner = uint16(base)
		out.descs = append(out.descs, incl, excl)
	}
	return out
}
