// Package hpcfmt reads and writes the binary profile format: a file header
// followed by one or more epochs, each carrying a metric table, a load-module
// table and a CCT node stream. All integers are big-endian.
package hpcfmt

import (
	"fmt"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
	"github.com/hpctoolkit/hpccct/internal/loadmap"
	"github.com/hpctoolkit/hpccct/internal/lush"
	"github.com/hpctoolkit/hpccct/internal/metric"
)

const (
	Magic    = "HPCRUN-profile____"
	Version  = "02.00"
	Endian   = "b"
	EpochTag = "EPOCH___"

	// FlagLogicalUnwind marks epochs whose node records carry association
	// info and a logical instruction pointer.
	FlagLogicalUnwind uint64 = 1 << 0

	// Well known name/value pair keys.
	NVProgramName = "program-name"
	NVPath        = "path"
	NVJobID       = "job-id"
	NVMPIRank     = "mpi-id"
	NVThreadID    = "tid"

	metricFlagBytes = 16
	maxTableLen     = 1 << 20
)

type (
	NVPair struct {
		Name  string
		Value string
	}

	NVPairs []NVPair

	Header struct {
		Version string
		NVPairs NVPairs
	}

	EpochHeader struct {
		Flags            uint64
		RAToCallsiteOfst uint32
		Granularity      uint64
		NVPairs          NVPairs
	}
)

// Get returns the value stored under name.
func (p NVPairs) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces or appends name.
func (p *NVPairs) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, NVPair{Name: name, Value: value})
}

func (h EpochHeader) LogicalUnwind() bool {
	return h.Flags&FlagLogicalUnwind != 0
}

func malformed(r *Reader, format string, args ...interface{}) error {
	return fmt.Errorf("hpcfmt: %w: %s at offset %d", errorutil.ErrMalformedHeader, fmt.Sprintf(format, args...), r.Offset())
}

func readTag(r *Reader, want string) error {
	b, err := r.Bytes(len(want))
	if err != nil {
		return err
	}
	if string(b) != want {
		return malformed(r, "expected %q, got %q", want, b)
	}
	return nil
}

func readNVPairs(r *Reader) (NVPairs, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxTableLen {
		return nil, malformed(r, "%d name/value pairs", n)
	}
	pairs := make(NVPairs, 0, n)
	for i := uint32(0); i < n; i++ {
		var kv NVPair
		if kv.Name, err = r.Str(); err != nil {
			return nil, err
		}
		if kv.Value, err = r.Str(); err != nil {
			return nil, err
		}
		pairs = append(pairs, kv)
	}
	return pairs, nil
}

func writeNVPairs(w *Writer, pairs NVPairs) {
	w.Uint32(uint32(len(pairs)))
	for _, kv := range pairs {
		w.Str(kv.Name)
		w.Str(kv.Value)
	}
}

func ReadHeader(r *Reader) (Header, error) {
	var h Header
	if err := readTag(r, Magic); err != nil {
		return h, err
	}
	v, err := r.Bytes(len(Version))
	if err != nil {
		return h, err
	}
	h.Version = string(v)
	if h.Version[:2] != Version[:2] {
		return h, malformed(r, "unsupported version %q", h.Version)
	}
	if err := readTag(r, Endian); err != nil {
		return h, err
	}
	h.NVPairs, err = readNVPairs(r)
	return h, err
}

func WriteHeader(w *Writer, h Header) {
	w.Bytes([]byte(Magic))
	w.Bytes([]byte(Version))
	w.Bytes([]byte(Endian))
	writeNVPairs(w, h.NVPairs)
}

func ReadEpochHeader(r *Reader) (EpochHeader, error) {
	var h EpochHeader
	if err := readTag(r, EpochTag); err != nil {
		return h, err
	}
	var err error
	if h.Flags, err = r.Uint64(); err != nil {
		return h, err
	}
	if h.RAToCallsiteOfst, err = r.Uint32(); err != nil {
		return h, err
	}
	if h.Granularity, err = r.Uint64(); err != nil {
		return h, err
	}
	h.NVPairs, err = readNVPairs(r)
	return h, err
}

func WriteEpochHeader(w *Writer, h EpochHeader) {
	w.Bytes([]byte(EpochTag))
	w.Uint64(h.Flags)
	w.Uint32(h.RAToCallsiteOfst)
	w.Uint64(h.Granularity)
	writeNVPairs(w, h.NVPairs)
}

// ReadMetricTable decodes the metric descriptor table.
func ReadMetricTable(r *Reader) ([]*metric.Descriptor, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxTableLen {
		return nil, malformed(r, "%d metric descriptors", n)
	}
	descs := make([]*metric.Descriptor, 0, n)
	for i := uint32(0); i < n; i++ {
		start := r.Offset()
		d := &metric.Descriptor{}
		if d.Name, err = r.Str(); err != nil {
			return nil, err
		}
		if d.Description, err = r.Str(); err != nil {
			return nil, err
		}
		flags, err := r.Bytes(metricFlagBytes)
		if err != nil {
			return nil, err
		}
		d.Kind = metric.Kind(flags[0])
		d.ValueType = metric.ValueType(flags[1])
		d.Format = metric.ValueFormat(flags[2])
		d.Combine = metric.Combine(flags[3])
		d.Partner = order.Uint16(flags[4:6])
		d.Show = flags[6] != 0
		d.ShowPercent = flags[7] != 0
		if !d.Format.Valid() {
			return nil, fmt.Errorf("hpcfmt: %w: metric %d (%q) has format code %d at offset %d", errorutil.ErrUnknownValueFormat, i, d.Name, flags[2], start)
		}
		if d.Combine > metric.CombineMax {
			return nil, fmt.Errorf("hpcfmt: %w: metric %d (%q) has combine code %d at offset %d", errorutil.ErrMalformedHeader, i, d.Name, flags[3], start)
		}
		if d.Period, err = r.Uint64(); err != nil {
			return nil, err
		}
		if d.Formula, err = r.Str(); err != nil {
			return nil, err
		}
		if d.Unit, err = r.Str(); err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func WriteMetricTable(w *Writer, descs []*metric.Descriptor) {
	w.Uint32(uint32(len(descs)))
	var flags [metricFlagBytes]byte
	for _, d := range descs {
		w.Str(d.Name)
		w.Str(d.Description)
		flags = [metricFlagBytes]byte{}
		flags[0] = uint8(d.Kind)
		flags[1] = uint8(d.ValueType)
		flags[2] = uint8(d.Format)
		flags[3] = uint8(d.Combine)
		order.PutUint16(flags[4:6], d.Partner)
		if d.Show {
			flags[6] = 1
		}
		if d.ShowPercent {
			flags[7] = 1
		}
		w.Bytes(flags[:])
		w.Uint64(d.Period)
		w.Str(d.Formula)
		w.Str(d.Unit)
	}
}

// ReadLoadMap decodes the load-module table. Entries keep the ids stored in
// the file.
func ReadLoadMap(r *Reader) ([]*loadmap.Module, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxTableLen {
		return nil, malformed(r, "%d load modules", n)
	}
	mods := make([]*loadmap.Module, 0, n)
	for i := uint32(0); i < n; i++ {
		m := &loadmap.Module{}
		if m.ID, err = r.Uint32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.Str(); err != nil {
			return nil, err
		}
		if m.PreferredAddr, err = r.Uint64(); err != nil {
			return nil, err
		}
		if m.LoadAddr, err = r.Uint64(); err != nil {
			return nil, err
		}
		if m.Size, err = r.Uint64(); err != nil {
			return nil, err
		}
		if m.Flags, err = r.Uint64(); err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

func WriteLoadMap(w *Writer, mods []*loadmap.Module) {
	w.Uint32(uint32(len(mods)))
	for _, m := range mods {
		w.Uint32(m.ID)
		w.Str(m.Name)
		w.Uint64(m.PreferredAddr)
		w.Uint64(m.LoadAddr)
		w.Uint64(m.Size)
		w.Uint64(m.Flags)
	}
}

// NodeRecord is one CCT node as stored on disk. A negative ID marks a node
// that had no children when it was written.
type NodeRecord struct {
	ID       int32
	ParentID int32
	Assoc    lush.AssocInfo
	LMID     uint32
	IP       uint64
	LIP      lush.LIP
	Metrics  []metric.Value
}

// ReadNode decodes one record into rec, reading numMetrics values. rec's
// metric slice is reused when large enough.
func ReadNode(r *Reader, rec *NodeRecord, logical bool, numMetrics int) error {
	var err error
	if rec.ID, err = r.Int32(); err != nil {
		return err
	}
	if rec.ParentID, err = r.Int32(); err != nil {
		return err
	}
	rec.Assoc = 0
	if logical {
		a, err := r.Uint32()
		if err != nil {
			return err
		}
		rec.Assoc = lush.AssocInfo(a)
	}
	if rec.LMID, err = r.Uint32(); err != nil {
		return err
	}
	if rec.IP, err = r.Uint64(); err != nil {
		return err
	}
	rec.LIP = lush.LIP{}
	if logical {
		if rec.LIP.LMID, err = r.Uint32(); err != nil {
			return err
		}
		if rec.LIP.IP, err = r.Uint64(); err != nil {
			return err
		}
	}
	if cap(rec.Metrics) < numMetrics {
		rec.Metrics = make([]metric.Value, numMetrics)
	}
	rec.Metrics = rec.Metrics[:numMetrics]
	for i := range rec.Metrics {
		v, err := r.Uint64()
		if err != nil {
			return err
		}
		rec.Metrics[i] = metric.Value(v)
	}
	return nil
}

func WriteNode(w *Writer, rec *NodeRecord, logical bool) {
	w.Int32(rec.ID)
	w.Int32(rec.ParentID)
	if logical {
		w.Uint32(uint32(rec.Assoc))
	}
	w.Uint32(rec.LMID)
	w.Uint64(rec.IP)
	if logical {
		w.Uint32(rec.LIP.LMID)
		w.Uint64(rec.LIP.IP)
	}
	for _, v := range rec.Metrics {
		w.Uint64(uint64(v))
	}
}
