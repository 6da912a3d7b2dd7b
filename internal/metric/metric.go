// Package metric describes the metrics attached to CCT nodes and the
// registry that gives them dense ids.
package metric

import (
	"fmt"
	"math"
)

type (
	// ValueFormat tells how the 8 bytes of a Value are interpreted.
	ValueFormat uint8
	// Kind mirrors the provenance of a metric.
	Kind uint8
	// ValueType distinguishes inclusive and exclusive derivations of a raw
	// metric.
	ValueType uint8
	// Combine is the rule used when two instances of a metric meet.
	Combine uint8
)

const (
	FormatNull ValueFormat = iota
	FormatInt
	FormatReal
)

const (
	KindNull Kind = iota
	KindRaw
	KindFinal
	KindDerived
)

const (
	ValueTypeNull ValueType = iota
	ValueTypeIncl
	ValueTypeExcl
)

const (
	CombineSum Combine = iota
	CombineMin
	CombineMax
)

func (f ValueFormat) String() string {
	switch f {
	case FormatNull:
		return "null"
	case FormatInt:
		return "int"
	case FormatReal:
		return "real"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Valid reports whether f is a known format code. FormatNull values are
// read as integers.
func (f ValueFormat) Valid() bool {
	return f <= FormatReal
}

func (c Combine) String() string {
	switch c {
	case CombineSum:
		return "sum"
	case CombineMin:
		return "min"
	case CombineMax:
		return "max"
	}
	return fmt.Sprintf("combine(%d)", uint8(c))
}

func (t ValueType) String() string {
	switch t {
	case ValueTypeIncl:
		return "inclusive"
	case ValueTypeExcl:
		return "exclusive"
	}
	return "raw"
}

// Value holds the raw bits of a metric value. Whether they encode an integer
// or a float64 depends on the descriptor's ValueFormat.
type Value uint64

func IntValue(v uint64) Value {
	return Value(v)
}

func RealValue(v float64) Value {
	return Value(math.Float64bits(v))
}

func (v Value) Int() uint64 {
	return uint64(v)
}

func (v Value) Real() float64 {
	return math.Float64frombits(uint64(v))
}

func (v Value) IsZero() bool {
	return v == 0
}

// Float returns v as a float64 according to f.
func (v Value) Float(f ValueFormat) float64 {
	if f == FormatReal {
		return v.Real()
	}
	return float64(v.Int())
}

// Apply combines a and b under rule c, interpreting both with format f.
// A zero value counts as "absent" for min so that an untouched slot does not
// pin the minimum to zero.
func Apply(c Combine, f ValueFormat, a, b Value) Value {
	if f == FormatReal {
		x, y := a.Real(), b.Real()
		switch c {
		case CombineMin:
			if a.IsZero() || (!b.IsZero() && y < x) {
				return b
			}
			return a
		case CombineMax:
			if y > x {
				return b
			}
			return a
		default:
			return RealValue(x + y)
		}
	}
	x, y := a.Int(), b.Int()
	switch c {
	case CombineMin:
		if x == 0 || (y != 0 && y < x) {
			return b
		}
		return a
	case CombineMax:
		if y > x {
			return b
		}
		return a
	default:
		return IntValue(x + y)
	}
}

// Descriptor describes one metric column.
type Descriptor struct {
	Name        string
	Description string
	Kind        Kind
	ValueType   ValueType
	Format      ValueFormat
	Combine     Combine
	// Partner is the id of the inclusive/exclusive counterpart, if any.
	Partner     uint16
	Show        bool
	ShowPercent bool
	// Period is the sample weight: each recorded unit stands for Period
	// events.
	Period  uint64
	Formula string
	Unit    string
}

func (d *Descriptor) Clone() *Descriptor {
	c := *d
	return &c
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s [%s %s %s period=%d]", d.Name, d.Format, d.ValueType, d.Combine, d.Period)
}
