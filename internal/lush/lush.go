// Package lush holds the logical-unwind association tags attached to frames
// when native samples are attributed to logical (interpreted or task based)
// calling contexts.
package lush

import "fmt"

// Assoc describes how native frames associate with logical frames.
type Assoc uint8

const (
	AssocNull Assoc = iota
	Assoc1to0
	Assoc1to1
	AssocMto1
	Assoc1toM
	Assoc0to0
)

func (a Assoc) String() string {
	switch a {
	case AssocNull:
		return "NULL"
	case Assoc1to0:
		return "1-to-0"
	case Assoc1to1:
		return "1-to-1"
	case AssocMto1:
		return "M-to-1"
	case Assoc1toM:
		return "1-to-M"
	case Assoc0to0:
		return "0-to-0"
	}
	return fmt.Sprintf("assoc(%d)", uint8(a))
}

// isAto1 reports membership in the a-to-1 class {1-to-1, M-to-1}.
func (a Assoc) isAto1() bool {
	return a == Assoc1to1 || a == AssocMto1
}

// is1toA reports membership in the 1-to-a class {1-to-1, 1-to-M}.
func (a Assoc) is1toA() bool {
	return a == Assoc1to1 || a == Assoc1toM
}

// ClassEq reports whether two associations belong to the same class.
func ClassEq(x, y Assoc) bool {
	return x == y || (x.isAto1() && y.isAto1()) || (x.is1toA() && y.is1toA())
}

// MaxPathLen is the largest logical path length an AssocInfo can carry.
const MaxPathLen = 1<<24 - 1

// AssocInfo packs an Assoc in the low 8 bits and the logical path length in
// the upper 24 bits. It is written verbatim as a u32 on disk.
type AssocInfo uint32

// NewAssocInfo builds an AssocInfo. pathLen is truncated to 24 bits.
func NewAssocInfo(a Assoc, pathLen uint32) AssocInfo {
	return AssocInfo(uint32(a) | (pathLen&MaxPathLen)<<8)
}

func (i AssocInfo) Assoc() Assoc {
	return Assoc(i & 0xff)
}

func (i AssocInfo) PathLen() uint32 {
	return uint32(i) >> 8
}

// WithAssoc returns i with its association replaced.
func (i AssocInfo) WithAssoc(a Assoc) AssocInfo {
	return AssocInfo(uint32(i)&^0xff | uint32(a))
}

func (i AssocInfo) String() string {
	return fmt.Sprintf("%s/%d", i.Assoc(), i.PathLen())
}

// InfoEq is the call-path key comparison for association tags: same
// association class and same path length.
func InfoEq(x, y AssocInfo) bool {
	return ClassEq(x.Assoc(), y.Assoc()) && x.PathLen() == y.PathLen()
}

// Narrow returns stored promoted to 1-to-1 when seen is 1-to-1 and stored is
// an ambiguous (M-to-1 or 1-to-M) association. The promotion is one way: a
// later ambiguous observation never widens a 1-to-1 tag again.
func Narrow(stored, seen AssocInfo) AssocInfo {
	if seen.Assoc() == Assoc1to1 && stored.Assoc() != Assoc1to1 {
		return stored.WithAssoc(Assoc1to1)
	}
	return stored
}

// LIP is a logical instruction pointer: a load module id plus an offset.
// The zero value is the NULL sentinel.
type LIP struct {
	LMID uint32
	IP   uint64
}

func (l LIP) IsNull() bool {
	return l == LIP{}
}

func (l LIP) String() string {
	if l.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("%d:%#x", l.LMID, l.IP)
}
