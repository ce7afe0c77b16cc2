package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Field value type tags, AMQP 0-9-1 field-value grammar.
const (
	TagBoolean     byte = 't'
	TagShortShort  byte = 'b'
	TagShortShortU byte = 'B'
	TagShort       byte = 'U'
	TagShortU      byte = 'u'
	TagShortU2     byte = 's' // legacy short-string-as-short alias seen in the wild
	TagLong        byte = 'I'
	TagLongU       byte = 'i'
	TagLongLong    byte = 'l'
	TagLongLongU   byte = 'L'
	TagFloat       byte = 'f'
	TagDouble      byte = 'd'
	TagDecimal     byte = 'D'
	TagLongString  byte = 'S'
	TagArray       byte = 'A'
	TagTimestamp   byte = 'T'
	TagFieldTable  byte = 'F'
	TagVoid        byte = 'V'
	TagByteArray   byte = 'x'
)

// Value is a decoded field-value. Exactly one of the typed fields is
// meaningful, selected by Tag; Raw preserves the exact wire bytes for
// tags whose in-memory representation is opaque (float/double/decimal),
// so re-encoding round-trips bit for bit.
type Value struct {
	Tag   byte
	Raw   []byte // verbatim bytes for f/d/D
	Bool  bool
	Int   int64
	UInt  uint64
	Str   string // short-string names use this too
	Table Table
	Array []Value
}

// Field is one (name, value) pair within a Table.
type Field struct {
	Name  string
	Value Value
}

// Table is an ordered field table. AMQP field tables are logically
// unordered maps, but the wire form is a sequence; order is preserved
// across decode/encode so idempotent round-trips hold.
type Table []Field

// Get returns the first field named name, if present.
func (t Table) Get(name string) (Value, bool) {
	for _, f := range t {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// ReadShortString reads a length-prefixed (1-byte length) string at offset.
func ReadShortString(buf []byte, offset int) (string, int, error) {
	if offset >= len(buf) {
		return "", offset, fmt.Errorf("wire: short-string length out of bounds")
	}
	n := int(buf[offset])
	offset++
	if offset+n > len(buf) {
		return "", offset, fmt.Errorf("wire: short-string body out of bounds")
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// WriteShortString appends a length-prefixed string to buf.
func WriteShortString(buf []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// ReadLongString reads a length-prefixed (4-byte big-endian length) string.
func ReadLongString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", offset, fmt.Errorf("wire: long-string length out of bounds")
	}
	n := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if offset+n > len(buf) {
		return "", offset, fmt.Errorf("wire: long-string body out of bounds")
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// WriteLongString appends a 4-byte-length-prefixed string to buf.
func WriteLongString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// ReadTable decodes a field table at offset, whose wire form is a
// 4-byte byte-length followed by that many bytes of (name, value) pairs.
func ReadTable(buf []byte, offset int) (Table, int, error) {
	if offset+4 > len(buf) {
		return nil, offset, fmt.Errorf("wire: field-table length out of bounds")
	}
	tableLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	end := offset + tableLen
	if end > len(buf) {
		return nil, offset, fmt.Errorf("wire: field-table body out of bounds")
	}

	var table Table
	for offset < end {
		name, next, err := ReadShortString(buf, offset)
		if err != nil {
			return nil, offset, err
		}
		offset = next
		val, next, err := readValue(buf, offset)
		if err != nil {
			return nil, offset, err
		}
		offset = next
		table = append(table, Field{Name: name, Value: val})
	}
	return table, end, nil
}

// WriteTable appends the length-prefixed encoding of t to buf.
func WriteTable(buf []byte, t Table) []byte {
	placeholderIdx := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	start := len(buf)
	for _, f := range t {
		buf = WriteShortString(buf, f.Name)
		buf = writeValue(buf, f.Value)
	}
	binary.BigEndian.PutUint32(buf[placeholderIdx:placeholderIdx+4], uint32(len(buf)-start))
	return buf
}

func readValue(buf []byte, offset int) (Value, int, error) {
	if offset >= len(buf) {
		return Value{}, offset, fmt.Errorf("wire: field-value tag out of bounds")
	}
	tag := buf[offset]
	offset++
	switch tag {
	case TagBoolean:
		if offset+1 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: bool value out of bounds")
		}
		return Value{Tag: tag, Bool: buf[offset] != 0}, offset + 1, nil
	case TagShortShort:
		if offset+1 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: i8 value out of bounds")
		}
		return Value{Tag: tag, Int: int64(int8(buf[offset]))}, offset + 1, nil
	case TagShortShortU:
		if offset+1 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: u8 value out of bounds")
		}
		return Value{Tag: tag, UInt: uint64(buf[offset])}, offset + 1, nil
	case TagShort, TagShortU, TagShortU2:
		if offset+2 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: short value out of bounds")
		}
		u := binary.BigEndian.Uint16(buf[offset : offset+2])
		if tag == TagShort {
			return Value{Tag: tag, Int: int64(int16(u))}, offset + 2, nil
		}
		return Value{Tag: tag, UInt: uint64(u)}, offset + 2, nil
	case TagLong:
		if offset+4 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: i32 value out of bounds")
		}
		return Value{Tag: tag, Int: int64(int32(binary.BigEndian.Uint32(buf[offset : offset+4])))}, offset + 4, nil
	case TagLongU:
		if offset+4 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: u32 value out of bounds")
		}
		return Value{Tag: tag, UInt: uint64(binary.BigEndian.Uint32(buf[offset : offset+4]))}, offset + 4, nil
	case TagLongLong, TagLongLongU:
		if offset+8 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: i64 value out of bounds")
		}
		u := binary.BigEndian.Uint64(buf[offset : offset+8])
		if tag == TagLongLong {
			return Value{Tag: tag, Int: int64(u)}, offset + 8, nil
		}
		return Value{Tag: tag, UInt: u}, offset + 8, nil
	case TagFloat:
		if offset+4 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: float value out of bounds")
		}
		return Value{Tag: tag, Raw: append([]byte(nil), buf[offset:offset+4]...)}, offset + 4, nil
	case TagDouble:
		if offset+8 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: double value out of bounds")
		}
		return Value{Tag: tag, Raw: append([]byte(nil), buf[offset:offset+8]...)}, offset + 8, nil
	case TagDecimal:
		if offset+5 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: decimal value out of bounds")
		}
		return Value{Tag: tag, Raw: append([]byte(nil), buf[offset:offset+5]...)}, offset + 5, nil
	case TagLongString:
		s, next, err := ReadLongString(buf, offset)
		if err != nil {
			return Value{}, offset, err
		}
		return Value{Tag: tag, Str: s}, next, nil
	case TagTimestamp:
		if offset+8 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: timestamp value out of bounds")
		}
		return Value{Tag: tag, UInt: binary.BigEndian.Uint64(buf[offset : offset+8])}, offset + 8, nil
	case TagFieldTable:
		t, next, err := ReadTable(buf, offset)
		if err != nil {
			return Value{}, offset, err
		}
		return Value{Tag: tag, Table: t}, next, nil
	case TagVoid:
		return Value{Tag: tag}, offset, nil
	case TagByteArray:
		if offset+4 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: byte-array length out of bounds")
		}
		n := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		if offset+n > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: byte-array body out of bounds")
		}
		return Value{Tag: tag, Raw: append([]byte(nil), buf[offset:offset+n]...)}, offset + n, nil
	case TagArray:
		if offset+4 > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: array length out of bounds")
		}
		arrLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		end := offset + arrLen
		if end > len(buf) {
			return Value{}, offset, fmt.Errorf("wire: array body out of bounds")
		}
		var arr []Value
		for offset < end {
			v, next, err := readValue(buf, offset)
			if err != nil {
				return Value{}, offset, err
			}
			arr = append(arr, v)
			offset = next
		}
		return Value{Tag: tag, Array: arr}, end, nil
	default:
		return Value{}, offset, fmt.Errorf("wire: unknown field-value tag %q", tag)
	}
}

func writeValue(buf []byte, v Value) []byte {
	buf = append(buf, v.Tag)
	switch v.Tag {
	case TagBoolean:
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case TagShortShort:
		return append(buf, byte(int8(v.Int)))
	case TagShortShortU:
		return append(buf, byte(v.UInt))
	case TagShort:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v.Int)))
		return append(buf, b[:]...)
	case TagShortU, TagShortU2:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.UInt))
		return append(buf, b[:]...)
	case TagLong:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v.Int)))
		return append(buf, b[:]...)
	case TagLongU:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.UInt))
		return append(buf, b[:]...)
	case TagLongLong:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		return append(buf, b[:]...)
	case TagLongLongU, TagTimestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.UInt)
		return append(buf, b[:]...)
	case TagFloat, TagDouble, TagDecimal:
		return append(buf, v.Raw...)
	case TagLongString:
		return WriteLongString(buf, v.Str)
	case TagFieldTable:
		return WriteTable(buf, v.Table)
	case TagVoid:
		return buf
	case TagByteArray:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v.Raw)))
		buf = append(buf, b[:]...)
		return append(buf, v.Raw...)
	case TagArray:
		placeholderIdx := len(buf)
		buf = append(buf, 0, 0, 0, 0)
		start := len(buf)
		for _, elem := range v.Array {
			buf = writeValue(buf, elem)
		}
		binary.BigEndian.PutUint32(buf[placeholderIdx:placeholderIdx+4], uint32(len(buf)-start))
		return buf
	default:
		return buf
	}
}

// NewDouble builds a Value carrying an IEEE-754 double, useful for tests
// and for constructing synthesized methods that need a float field.
func NewDouble(f float64) Value {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return Value{Tag: TagDouble, Raw: b[:]}
}
