// Package nodetree renders a CCT as a tree of plain nodes that can be
// encoded as JSON.
package nodetree

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/profile"
)

type Node struct {
	ID          uint32             `json:"id"`
	Kind        string             `json:"kind"`
	Fingerprint uint64             `json:"fingerprint"`
	Module      string             `json:"module,omitempty"`
	Path        string             `json:"path,omitempty"`
	IP          string             `json:"ip,omitempty"`
	Assoc       string             `json:"assoc,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Inclusive   map[string]float64 `json:"inclusive,omitempty"`
	Children    []*Node            `json:"children,omitempty"`
}

// FromProfile converts p's tree. Load module ids are resolved to module
// base names and metric values are keyed by metric name. Every node gets a
// fingerprint of the module/ip path leading to it.
func FromProfile(p *profile.Profile) *Node {
	t := p.CCT
	descs := p.Metrics.Descriptors()
	var build func(id cct.NodeID, parent uint64) *Node
	build = func(id cct.NodeID, parent uint64) *Node {
		a := t.Addr(id)
		n := &Node{
			ID:   t.PersistentID(id),
			Kind: t.Kind(id).String(),
		}
		if t.Kind(id).HasAddr() && (a.LMID != 0 || a.IP != 0) {
			n.IP = fmt.Sprintf("%#x", a.IP)
			if m := p.LoadMap.Module(a.LMID); m != nil {
				n.Path = m.Name
				n.Module = ModuleBaseName(m.Name)
			}
		}
		if a.Assoc != 0 {
			n.Assoc = a.Assoc.String()
		}
		n.Fingerprint = n.fingerprint(parent, a)
		for i, v := range t.Metrics(id) {
			if v.IsZero() || i >= len(descs) {
				continue
			}
			if n.Metrics == nil {
				n.Metrics = make(map[string]float64)
			}
			n.Metrics[descs[i].Name] += v.Float(descs[i].Format)
		}
		for c := t.FirstChild(id); c != cct.Nil; c = t.NextSibling(c) {
			n.Children = append(n.Children, build(c, n.Fingerprint))
		}
		return n
	}
	return build(t.Root(), 0)
}

func (n *Node) fingerprint(parent uint64, a cct.Addr) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, parent)
	_, _ = h.Write(buf)
	if n.Module == "" && n.IP == "" {
		_, _ = h.Write([]byte("-"))
	} else {
		_, _ = h.Write([]byte(n.Module))
		binary.LittleEndian.PutUint64(buf, a.IP)
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// ModuleBaseName returns the basename of the module if its name is a path.
func ModuleBaseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// ComputeInclusive fills Inclusive with the sum of n's metrics and those of
// all of its descendants, and returns it.
func (n *Node) ComputeInclusive() map[string]float64 {
	incl := make(map[string]float64, len(n.Metrics))
	for k, v := range n.Metrics {
		incl[k] += v
	}
	for _, c := range n.Children {
		for k, v := range c.ComputeInclusive() {
			incl[k] += v
		}
	}
	if len(incl) > 0 {
		n.Inclusive = incl
	}
	return incl
}

// Collapse removes nodes that carry no location, such as synthetic roots,
// splicing their children into the parent. The canonical root is kept.
func (n Node) Collapse() []*Node {
	// always collapse the children first, since pruning may reduce
	// the number of children
	children := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.Collapse()...)
	}
	n.Children = children

	if n.IP == "" && n.Kind != cct.KindRoot.String() && len(n.Metrics) == 0 {
		return n.Children
	}
	return []*Node{&n}
}

// Write encodes n as indented JSON.
func Write(w io.Writer, n *Node) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(n)
}
