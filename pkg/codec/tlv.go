package codec

import "encoding/binary"

// FieldHeaderLen is the size of one TLV field header: id u16, type u8, len u32
const FieldHeaderLen = 7

// Field type ids
const (
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field ids
const (
	FieldSender      uint16 = 1
	FieldTarget      uint16 = 2
	FieldTopic       uint16 = 3
	FieldCorrelation uint16 = 4
	FieldDeadline    uint16 = 5
	FieldCode        uint16 = 6
	FieldPayload     uint16 = 7
	FieldLimit       uint16 = 8
	FieldSeq         uint16 = 9
	FieldTimestamp   uint16 = 10

	maxKnownField = FieldTimestamp
)

// fieldTypes maps each known field id to its wire type
var fieldTypes = [...]uint8{
	FieldSender:      TypeString,
	FieldTarget:      TypeString,
	FieldTopic:       TypeString,
	FieldCorrelation: TypeU64,
	FieldDeadline:    TypeU32,
	FieldCode:        TypeU16,
	FieldPayload:     TypeBytes,
	FieldLimit:       TypeU32,
	FieldSeq:         TypeU64,
	FieldTimestamp:   TypeU64,
}

// fixedWidth returns the required value length for fixed-size types, or -1
func fixedWidth(typ uint8) int {
	switch typ {
	case TypeU16:
		return 2
	case TypeU32:
		return 4
	case TypeU64:
		return 8
	}
	return -1
}

// field is one TLV field; value aliases the decoded buffer
type field struct {
	id    uint16
	typ   uint8
	value []byte
}

// appendField appends the header and value of one field to dst
func appendField(dst []byte, id uint16, typ uint8, value []byte) []byte {
	var hdr [FieldHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], id)
	hdr[2] = typ
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(value)))
	dst = append(dst, hdr[:]...)
	return append(dst, value...)
}

func appendU16Field(dst []byte, id uint16, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return appendField(dst, id, TypeU16, b[:])
}

func appendU32Field(dst []byte, id uint16, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return appendField(dst, id, TypeU32, b[:])
}

func appendU64Field(dst []byte, id uint16, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return appendField(dst, id, TypeU64, b[:])
}

// nextField parses the field at the start of b and returns it with the
// remaining bytes. maxLen bounds the declared value length before slicing.
func nextField(b []byte, maxLen int) (field, []byte, error) {
	if len(b) < FieldHeaderLen {
		return field{}, nil, decodeErr(ReasonTruncated, "field header needs %d bytes, have %d", FieldHeaderLen, len(b))
	}
	f := field{
		id:  binary.BigEndian.Uint16(b[0:2]),
		typ: b[2],
	}
	n := binary.BigEndian.Uint32(b[3:7])
	if uint64(n) > uint64(maxLen) {
		return field{}, nil, decodeErr(ReasonTooLarge, "field %d declares %d bytes", f.id, n)
	}
	rest := b[FieldHeaderLen:]
	if uint64(len(rest)) < uint64(n) {
		return field{}, nil, decodeErr(ReasonTruncated, "field %d needs %d bytes, have %d", f.id, n, len(rest))
	}
	f.value = rest[:n:n]
	return f, rest[n:], nil
}
