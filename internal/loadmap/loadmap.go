// Package loadmap keeps the table of binary images (load modules) that
// instruction pointers in a CCT are relative to.
package loadmap

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
)

// NoModule is the id of "no load module".
const NoModule uint32 = 0

type (
	Module struct {
		ID            uint32
		Name          string
		PreferredAddr uint64
		LoadAddr      uint64
		Size          uint64
		Flags         uint64
		// Relocation is LoadAddr-PreferredAddr. It converts runtime
		// addresses into offsets that do not depend on where the image was
		// mapped.
		Relocation uint64

		used atomic.Bool
	}

	// MergeEffect records that id Old of a merged registry is now New.
	MergeEffect struct {
		Old uint32
		New uint32
	}

	// Registry maps 1-based module ids to modules.
	Registry struct {
		modules []*Module
		byName  map[string]uint32
	}
)

func (m *Module) Used() bool {
	return m.used.Load()
}

// Contains reports whether the runtime address addr falls inside the image.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.LoadAddr && (m.Size == 0 || addr < m.LoadAddr+m.Size)
}

func (m *Module) String() string {
	return fmt.Sprintf("%d:%s@%#x", m.ID, m.Name, m.LoadAddr)
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]uint32)}
}

// Insert adds m and assigns it the next id. The relocation amount is
// computed here.
func (r *Registry) Insert(m *Module) uint32 {
	m.ID = uint32(len(r.modules) + 1)
	m.Relocation = m.LoadAddr - m.PreferredAddr
	r.modules = append(r.modules, m)
	if _, exists := r.byName[m.Name]; !exists {
		r.byName[m.Name] = m.ID
	}
	return m.ID
}

// InsertWithID adds m under an id read from a profile. Ids must be inserted
// densely starting at 1.
func (r *Registry) InsertWithID(m *Module) error {
	if m.ID != uint32(len(r.modules)+1) {
		return fmt.Errorf("loadmap: %w: load module id %d out of sequence, expected %d", errorutil.ErrMalformedHeader, m.ID, len(r.modules)+1)
	}
	r.Insert(m)
	return nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.modules)
}

// Module returns the module with the given id, or nil.
func (r *Registry) Module(id uint32) *Module {
	if r == nil || id == NoModule || int(id) > len(r.modules) {
		return nil
	}
	return r.modules[id-1]
}

// Modules returns the modules in id order.
func (r *Registry) Modules() []*Module {
	return r.modules
}

// Valid reports whether id names a module or is NoModule.
func (r *Registry) Valid(id uint32) bool {
	return id == NoModule || int(id) <= r.Len()
}

func (r *Registry) FindByName(name string) (*Module, bool) {
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.modules[id-1], true
}

// Resolve finds the module mapped at runtime address addr and returns its id
// and the relocated offset of addr within it.
func (r *Registry) Resolve(addr uint64) (uint32, uint64, bool) {
	var best *Module
	for _, m := range r.modules {
		if m.Contains(addr) && (best == nil || m.LoadAddr > best.LoadAddr) {
			best = m
		}
	}
	if best == nil {
		return NoModule, addr, false
	}
	return best.ID, addr - best.Relocation, true
}

// NormalizeIP converts a runtime address inside module id into an offset.
func (r *Registry) NormalizeIP(id uint32, addr uint64) uint64 {
	m := r.Module(id)
	if m == nil {
		return addr
	}
	return addr - m.Relocation
}

// MarkUsed flags module id as referenced by a CCT node. It is safe to call
// concurrently from the sampling phase.
func (r *Registry) MarkUsed(id uint32) {
	if m := r.Module(id); m != nil {
		m.used.Store(true)
	}
}

// Merge absorbs y's modules. Modules are matched by name; unmatched modules
// are appended. The returned effects list every y id whose value changed,
// sorted by old id.
func (r *Registry) Merge(y *Registry) []MergeEffect {
	var effects []MergeEffect
	for _, ym := range y.modules {
		newID := uint32(0)
		if xm, ok := r.FindByName(ym.Name); ok {
			newID = xm.ID
			if ym.Used() {
				xm.used.Store(true)
			}
		} else {
			m := &Module{
				Name:          ym.Name,
				PreferredAddr: ym.PreferredAddr,
				LoadAddr:      ym.LoadAddr,
				Size:          ym.Size,
				Flags:         ym.Flags,
			}
			m.used.Store(ym.Used())
			newID = r.Insert(m)
		}
		if newID != ym.ID {
			effects = append(effects, MergeEffect{Old: ym.ID, New: newID})
		}
	}
	sort.Slice(effects, func(i, j int) bool { return effects[i].Old < effects[j].Old })
	return effects
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for _, m := range r.modules {
		n := &Module{
			Name:          m.Name,
			PreferredAddr: m.PreferredAddr,
			LoadAddr:      m.LoadAddr,
			Size:          m.Size,
			Flags:         m.Flags,
		}
		n.used.Store(m.Used())
		c.Insert(n)
	}
	return c
}

// Translation builds a lookup table from a list of effects.
func Translation(effects []MergeEffect) map[uint32]uint32 {
	if len(effects) == 0 {
		return nil
	}
	t := make(map[uint32]uint32, len(effects))
	for _, e := range effects {
		t[e.Old] = e.New
	}
	return t
}
