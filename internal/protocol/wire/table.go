package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Table is an AMQP field table. Values are one of: nil, bool, int8, uint8,
// int16, uint16, int32, uint32, int64, float32, float64, Decimal, string,
// []byte, time.Time, Table, []any.
type Table map[string]any

// Decimal is a scaled integer: Value / 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// WriteTable encodes t with keys in sorted order so the output is stable.
func (w *Writer) WriteTable(t Table) error {
	inner := NewWriter()
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := inner.WriteShortstr(k); err != nil {
			return fmt.Errorf("table key %q: %w", k, err)
		}
		if err := inner.writeFieldValue(t[k]); err != nil {
			return fmt.Errorf("table key %q: %w", k, err)
		}
	}
	w.WriteLongstr(inner.Bytes())
	return nil
}

func (w *Writer) writeArray(items []any) error {
	inner := NewWriter()
	for i, v := range items {
		if err := inner.writeFieldValue(v); err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
	}
	w.WriteLongstr(inner.Bytes())
	return nil
}

func (w *Writer) writeFieldValue(v any) error {
	switch val := v.(type) {
	case nil:
		w.WriteOctet('V')
	case bool:
		w.WriteOctet('t')
		if val {
			w.WriteOctet(1)
		} else {
			w.WriteOctet(0)
		}
	case int8:
		w.WriteOctet('b')
		w.WriteOctet(uint8(val))
	case uint8:
		w.WriteOctet('B')
		w.WriteOctet(val)
	case int16:
		w.WriteOctet('s')
		w.WriteShort(uint16(val))
	case uint16:
		w.WriteOctet('u')
		w.WriteShort(val)
	case int32:
		w.WriteOctet('I')
		w.WriteLong(uint32(val))
	case uint32:
		w.WriteOctet('i')
		w.WriteLong(val)
	case int:
		w.WriteOctet('l')
		w.WriteLonglong(uint64(int64(val)))
	case int64:
		w.WriteOctet('l')
		w.WriteLonglong(uint64(val))
	case float32:
		w.WriteOctet('f')
		w.WriteLong(math.Float32bits(val))
	case float64:
		w.WriteOctet('d')
		w.WriteLonglong(math.Float64bits(val))
	case Decimal:
		w.WriteOctet('D')
		w.WriteOctet(val.Scale)
		w.WriteLong(uint32(val.Value))
	case string:
		w.WriteOctet('S')
		w.WriteLongstr([]byte(val))
	case []byte:
		w.WriteOctet('x')
		w.WriteLongstr(val)
	case time.Time:
		w.WriteOctet('T')
		w.WriteTimestamp(val)
	case Table:
		w.WriteOctet('F')
		return w.WriteTable(val)
	case map[string]any:
		w.WriteOctet('F')
		return w.WriteTable(Table(val))
	case []any:
		w.WriteOctet('A')
		return w.writeArray(val)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// ReadTable decodes a field table.
func (r *Reader) ReadTable() (Table, error) {
	raw, err := r.ReadLongstr()
	if err != nil {
		return nil, err
	}
	inner := NewReader(raw)
	t := Table{}
	for inner.Remaining() > 0 {
		key, err := inner.ReadShortstr()
		if err != nil {
			return nil, err
		}
		v, err := inner.readFieldValue()
		if err != nil {
			return nil, fmt.Errorf("table key %q: %w", key, err)
		}
		t[key] = v
	}
	return t, nil
}

func (r *Reader) readArray() ([]any, error) {
	raw, err := r.ReadLongstr()
	if err != nil {
		return nil, err
	}
	inner := NewReader(raw)
	out := make([]any, 0)
	for inner.Remaining() > 0 {
		v, err := inner.readFieldValue()
		if err != nil {
			return nil, fmt.Errorf("array index %d: %w", len(out), err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Reader) readFieldValue() (any, error) {
	tag, err := r.ReadOctet()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 'V':
		return nil, nil
	case 't':
		b, err := r.ReadOctet()
		return b != 0, err
	case 'b':
		b, err := r.ReadOctet()
		return int8(b), err
	case 'B':
		return r.ReadOctet()
	case 's':
		v, err := r.ReadShort()
		return int16(v), err
	case 'u':
		return r.ReadShort()
	case 'I':
		v, err := r.ReadLong()
		return int32(v), err
	case 'i':
		return r.ReadLong()
	case 'l':
		v, err := r.ReadLonglong()
		return int64(v), err
	case 'f':
		v, err := r.ReadLong()
		return math.Float32frombits(v), err
	case 'd':
		v, err := r.ReadLonglong()
		return math.Float64frombits(v), err
	case 'D':
		b, err := r.take(5)
		if err != nil {
			return nil, err
		}
		return Decimal{Scale: b[0], Value: int32(binary.BigEndian.Uint32(b[1:]))}, nil
	case 'S':
		b, err := r.ReadLongstr()
		return string(b), err
	case 'x':
		return r.ReadLongstr()
	case 'T':
		return r.ReadTimestamp()
	case 'F':
		return r.ReadTable()
	case 'A':
		return r.readArray()
	default:
		return nil, fmt.Errorf("%w: tag %q", ErrUnknownFieldType, tag)
	}
}
