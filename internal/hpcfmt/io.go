package hpcfmt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hpctoolkit/hpccct/internal/errorutil"
)

// maxStringLen bounds length-prefixed strings so that a corrupt length does
// not turn into a huge allocation.
const maxStringLen = 1 << 24

var order = binary.BigEndian

// Reader decodes big-endian primitives and tracks the byte offset of the
// stream.
type Reader struct {
	r   *bufio.Reader
	off int64
	buf [8]byte
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.off
}

// AtEOF reports whether the stream has no more bytes.
func (r *Reader) AtEOF() bool {
	_, err := r.r.Peek(1)
	return errors.Is(err, io.EOF)
}

func (r *Reader) fill(n int) ([]byte, error) {
	b := r.buf[:n]
	m, err := io.ReadFull(r.r, b)
	r.off += int64(m)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("hpcfmt: %w: wanted %d bytes at offset %d", errorutil.ErrTruncated, n, r.off-int64(m))
		}
		return nil, err
	}
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	m, err := io.ReadFull(r.r, b)
	r.off += int64(m)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("hpcfmt: %w: wanted %d bytes at offset %d", errorutil.ErrTruncated, n, r.off-int64(m))
		}
		return nil, err
	}
	return b, nil
}

// Str reads a u32 length-prefixed string.
func (r *Reader) Str() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("hpcfmt: %w: string length %d at offset %d", errorutil.ErrMalformedHeader, n, r.off-4)
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer encodes big-endian primitives. The first error sticks: later calls
// are no-ops and Err reports it.
type Writer struct {
	w   *bufio.Writer
	off int64
	err error
	buf [8]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Offset() int64 {
	return w.off
}

func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(b)
	w.off += int64(n)
	w.err = err
}

func (w *Writer) Uint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *Writer) Uint16(v uint16) {
	order.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *Writer) Uint32(v uint32) {
	order.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) Int32(v int32) {
	w.Uint32(uint32(v))
}

func (w *Writer) Uint64(v uint64) {
	order.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

func (w *Writer) Bytes(b []byte) {
	w.write(b)
}

func (w *Writer) Str(s string) {
	w.Uint32(uint32(len(s)))
	w.write([]byte(s))
}

// Flush writes buffered data and returns the first error seen.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}
