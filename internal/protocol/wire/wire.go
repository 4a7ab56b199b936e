// Package wire encodes and decodes AMQP 0-9-1 method argument fields.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	ErrShortBuffer      = errors.New("wire: short buffer")
	ErrShortstrTooLong  = errors.New("wire: shortstr longer than 255 bytes")
	ErrUnknownFieldType = errors.New("wire: unknown field value type")
	ErrUnsupportedValue = errors.New("wire: unsupported field value")
)

// Writer appends big-endian encoded fields. Consecutive bits share one octet.
type Writer struct {
	buf     []byte
	bitIdx  int
	bitMask uint16
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteOctet(v uint8) {
	w.bitMask = 0
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteShort(v uint16) {
	w.bitMask = 0
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteLong(v uint32) {
	w.bitMask = 0
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteLonglong(v uint64) {
	w.bitMask = 0
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteTimestamp writes t as POSIX seconds.
func (w *Writer) WriteTimestamp(t time.Time) {
	w.WriteLonglong(uint64(t.Unix()))
}

func (w *Writer) WriteShortstr(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%w: %d bytes", ErrShortstrTooLong, len(s))
	}
	w.WriteOctet(uint8(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *Writer) WriteLongstr(b []byte) {
	w.WriteLong(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteBit(v bool) {
	if w.bitMask == 0 || w.bitMask > 0x80 {
		w.buf = append(w.buf, 0)
		w.bitIdx = len(w.buf) - 1
		w.bitMask = 1
	}
	if v {
		w.buf[w.bitIdx] |= byte(w.bitMask)
	}
	w.bitMask <<= 1
}

// Reader consumes fields from a method payload.
type Reader struct {
	buf     []byte
	off     int
	bitByte byte
	bitMask uint16
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	r.bitMask = 0
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d have %d", ErrShortBuffer, n, r.Remaining())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *Reader) ReadOctet() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadShort() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadLong() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadLonglong() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadTimestamp() (time.Time, error) {
	v, err := r.ReadLonglong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func (r *Reader) ReadShortstr() (string, error) {
	n, err := r.ReadOctet()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadLongstr() ([]byte, error) {
	n, err := r.ReadLong()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadBit() (bool, error) {
	if r.bitMask == 0 || r.bitMask > 0x80 {
		b, err := r.take(1)
		if err != nil {
			return false, err
		}
		r.bitByte = b[0]
		r.bitMask = 1
	}
	v := r.bitByte&byte(r.bitMask) != 0
	r.bitMask <<= 1
	return v, nil
}
