package cct

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/frame"
	"github.com/hpctoolkit/hpccct/internal/lush"
)

// Addr is the call-path key of a node. Siblings never share an Addr.
type Addr struct {
	LMID    uint32
	IP      uint64
	OpIndex uint16
	Assoc   lush.AssocInfo
	LIP     lush.LIP
}

var (
	// rootAddr is the address of the synthetic primary root and of the
	// thread-start trampoline below it.
	rootAddr = Addr{}
	// PartialRootAddr identifies the root of samples whose unwind did not
	// reach the thread entry.
	PartialRootAddr = Addr{IP: 1}
)

// AddrOf returns the call-path key of a frame.
func AddrOf(f frame.Frame) Addr {
	return Addr{
		LMID:    f.LMID,
		IP:      f.IP,
		OpIndex: f.OpIndex,
		Assoc:   f.Assoc,
		LIP:     f.LIP,
	}
}

// Equal compares two keys. Association tags are compared by class and path
// length, so an ambiguous tag matches its 1-to-1 refinement.
func (a Addr) Equal(b Addr) bool {
	return a.IP == b.IP &&
		a.OpIndex == b.OpIndex &&
		a.LMID == b.LMID &&
		a.LIP == b.LIP &&
		lush.InfoEq(a.Assoc, b.Assoc)
}

func (a Addr) String() string {
	s := fmt.Sprintf("%d:%#x", a.LMID, a.IP)
	if a.OpIndex != 0 {
		s += fmt.Sprintf("+%d", a.OpIndex)
	}
	if a.Assoc != 0 || !a.LIP.IsNull() {
		s += fmt.Sprintf(" [%s %s]", a.Assoc, a.LIP)
	}
	return s
}
