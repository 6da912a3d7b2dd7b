package cct

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/metric"
)

// NodeID is a handle into a Store. Handles stay valid until the node is
// destroyed.
type NodeID int32

// Nil is the handle of no node.
const Nil NodeID = -1

// Kind tags what a node stands for.
type Kind uint8

const (
	// KindRoot is the canonical program root. It never carries a frame.
	KindRoot Kind = iota
	// KindCall is a call site. Every node built from samples is a call
	// node.
	KindCall
	KindLoop
	// KindStatementRange holds samples attributed directly to an
	// instruction range. Decoders create it when splitting a metric
	// bearing interior record.
	KindStatementRange
	KindProcedureFrame
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindCall:
		return "call"
	case KindLoop:
		return "loop"
	case KindStatementRange:
		return "stmt"
	case KindProcedureFrame:
		return "proc"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HasAddr reports whether nodes of kind k are identified by their Addr.
// Call and StatementRange nodes are; the other kinds are identified by
// their Structure.
func (k Kind) HasAddr() bool {
	return k == KindCall || k == KindStatementRange
}

// Structure is the static program structure attached to Loop,
// StatementRange and ProcedureFrame nodes.
type Structure struct {
	File    string
	Proc    string
	BegLine uint32
	EndLine uint32
}

type node struct {
	parent      NodeID
	firstChild  NodeID
	lastChild   NodeID
	prevSibling NodeID
	nextSibling NodeID

	id       uint32
	kind     Kind
	terminal bool
	freed    bool

	addr      Addr
	metrics   []metric.Value
	structure *Structure
}

// sameKey reports whether a and b are the same child for lookup and merge
// purposes.
func sameKey(a, b *node) bool {
	switch {
	case a.kind != b.kind:
		return false
	case a.kind == KindRoot:
		return true
	case a.kind.HasAddr():
		return a.addr.Equal(b.addr)
	case a.structure == nil || b.structure == nil:
		return a.structure == nil && b.structure == nil
	}
	return *a.structure == *b.structure
}
