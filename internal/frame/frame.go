package frame

import (
	"fmt"
	"strings"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/lush"
)

var errEmptyBacktrace = fmt.Errorf("frame: %w: empty backtrace", errorutil.ErrInvalidInput)

type (
	// Frame is one unwind step as produced by the unwinder. IP is already
	// normalized against LMID: it is an offset into the load module, not a
	// runtime address.
	Frame struct {
		IP      uint64
		OpIndex uint16
		LMID    uint32
		Assoc   lush.AssocInfo
		LIP     lush.LIP
		// Function is the normalized entry address of the routine that
		// contains IP. It is only consulted for recursion compression and
		// may be left zero.
		Function uint64
	}

	// Sequence is an ordered backtrace, innermost frame first.
	Sequence []Frame
)

func (f Frame) String() string {
	s := fmt.Sprintf("%d:%#x", f.LMID, f.IP)
	if f.OpIndex != 0 {
		s += fmt.Sprintf("+%d", f.OpIndex)
	}
	if f.Assoc != 0 || !f.LIP.IsNull() {
		s += fmt.Sprintf(" [%s %s]", f.Assoc, f.LIP)
	}
	return s
}

// SameRoutine reports whether both frames are known to belong to the same
// routine.
func (f Frame) SameRoutine(o Frame) bool {
	return f.Function != 0 && f.LMID == o.LMID && f.Function == o.Function
}

// Validate checks that the sequence can be inserted.
func (s Sequence) Validate() error {
	if len(s) == 0 {
		return errEmptyBacktrace
	}
	return nil
}

// Innermost returns the frame at which the sample was taken.
func (s Sequence) Innermost() Frame {
	return s[0]
}

// Outermost returns the frame closest to the program entry.
func (s Sequence) Outermost() Frame {
	return s[len(s)-1]
}

func (s Sequence) String() string {
	parts := make([]string, 0, len(s))
	for _, f := range s {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, " <- ")
}
