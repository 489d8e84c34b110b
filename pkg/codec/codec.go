package codec

import (
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/baaaht/msgplane/pkg/types"
)

const (
	// Magic is the first four bytes of every envelope ("MPLN")
	Magic uint32 = 0x4D504C4E
	// Version is the only envelope layout this codec speaks
	Version uint8 = 1
	// HeaderLen is the fixed envelope header: magic u32, version u8, kind u8, reserved u16
	HeaderLen = 8
)

// Limits bounds what Encode will produce and Decode will accept
type Limits struct {
	MaxPayloadBytes   int
	MaxIdentityLength int
	MaxTopicLength    int
}

// DefaultLimits returns the limits matching the default configuration
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:   256 * 1024,
		MaxIdentityLength: 128,
		MaxTopicLength:    128,
	}
}

// MaxEnvelopeSize returns the largest envelope that satisfies l when every
// known field is present once. Unknown fields are not counted.
func (l Limits) MaxEnvelopeSize() int {
	return HeaderLen +
		int(maxKnownField)*FieldHeaderLen +
		2*l.MaxIdentityLength + // sender, target
		l.MaxTopicLength +
		8 + 4 + 2 + 4 + 8 + 8 + // correlation, deadline, code, limit, seq, timestamp
		l.MaxPayloadBytes
}

// MaxFrameSize returns the stream frame ceiling: the envelope size plus
// slack for unknown fields from newer peers
func (l Limits) MaxFrameSize() int {
	return l.MaxEnvelopeSize() + 4096
}

// deadlineMillis converts a relative deadline to whole milliseconds,
// rounding sub-millisecond values up so a set deadline never reads as unset
func deadlineMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

// timestampMillis returns t as Unix milliseconds. Zero and pre-epoch times
// are not encoded.
func timestampMillis(t time.Time) (uint64, bool) {
	if t.IsZero() || t.UnixMilli() <= 0 {
		return 0, false
	}
	return uint64(t.UnixMilli()), true
}

// Encode serializes env. It never mutates env and fails, with an
// *EncodeError, only if env violates l.
func Encode(env *types.Envelope, l Limits) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, encodeErr(ReasonUnknownKind, "kind %d", env.Kind)
	}
	if len(env.Sender) > l.MaxIdentityLength || len(env.Target) > l.MaxIdentityLength {
		return nil, encodeErr(ReasonTooLarge, "identity exceeds %d bytes", l.MaxIdentityLength)
	}
	if len(env.Topic) > l.MaxTopicLength {
		return nil, encodeErr(ReasonTooLarge, "topic exceeds %d bytes", l.MaxTopicLength)
	}
	if len(env.Payload) > l.MaxPayloadBytes {
		return nil, encodeErr(ReasonTooLarge, "payload of %d bytes exceeds %d", len(env.Payload), l.MaxPayloadBytes)
	}

	size := HeaderLen
	if env.Sender != "" {
		size += FieldHeaderLen + len(env.Sender)
	}
	if env.Target != "" {
		size += FieldHeaderLen + len(env.Target)
	}
	if env.Topic != "" {
		size += FieldHeaderLen + len(env.Topic)
	}
	if env.Correlated {
		size += FieldHeaderLen + 8
	}
	if env.Deadline > 0 {
		size += FieldHeaderLen + 4
	}
	if env.Code != types.ErrNone {
		size += FieldHeaderLen + 2
	}
	if len(env.Payload) > 0 {
		size += FieldHeaderLen + len(env.Payload)
	}
	if env.Limit > 0 {
		size += FieldHeaderLen + 4
	}
	if env.Seq > 0 {
		size += FieldHeaderLen + 8
	}
	if _, ok := timestampMillis(env.Timestamp); ok {
		size += FieldHeaderLen + 8
	}

	buf := make([]byte, HeaderLen, size)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(env.Kind)

	if env.Sender != "" {
		buf = appendField(buf, FieldSender, TypeString, []byte(env.Sender))
	}
	if env.Target != "" {
		buf = appendField(buf, FieldTarget, TypeString, []byte(env.Target))
	}
	if env.Topic != "" {
		buf = appendField(buf, FieldTopic, TypeString, []byte(env.Topic))
	}
	if env.Correlated {
		buf = appendU64Field(buf, FieldCorrelation, env.CorrelationID)
	}
	if env.Deadline > 0 {
		buf = appendU32Field(buf, FieldDeadline, deadlineMillis(env.Deadline))
	}
	if env.Code != types.ErrNone {
		buf = appendU16Field(buf, FieldCode, uint16(env.Code))
	}
	if len(env.Payload) > 0 {
		buf = appendField(buf, FieldPayload, TypeBytes, env.Payload)
	}
	if env.Limit > 0 {
		buf = appendU32Field(buf, FieldLimit, env.Limit)
	}
	if env.Seq > 0 {
		buf = appendU64Field(buf, FieldSeq, env.Seq)
	}
	if ts, ok := timestampMillis(env.Timestamp); ok {
		buf = appendU64Field(buf, FieldTimestamp, ts)
	}
	return buf, nil
}

// Decode parses one envelope. It is total: every input yields either an
// envelope or a *DecodeError. The returned payload aliases data, so the
// caller must not reuse data afterwards.
func Decode(data []byte, l Limits) (*types.Envelope, error) {
	if len(data) < HeaderLen {
		return nil, decodeErr(ReasonTruncated, "header needs %d bytes, have %d", HeaderLen, len(data))
	}
	if m := binary.BigEndian.Uint32(data[0:4]); m != Magic {
		return nil, decodeErr(ReasonBadMagic, "%#08x", m)
	}
	if v := data[4]; v != Version {
		return nil, decodeErr(ReasonBadVersion, "version %d", v)
	}
	kind := types.Kind(data[5])
	if !kind.Valid() {
		return nil, decodeErr(ReasonUnknownKind, "kind %d", data[5])
	}

	env := &types.Envelope{Kind: kind}
	var seen uint16 // bit per known field id

	rest := data[HeaderLen:]
	for len(rest) > 0 {
		var f field
		var err error
		f, rest, err = nextField(rest, l.MaxPayloadBytes)
		if err != nil {
			return nil, err
		}

		if f.id == 0 || f.id > maxKnownField {
			// Fields from newer peers are skipped.
			continue
		}
		bit := uint16(1) << f.id
		if seen&bit != 0 {
			return nil, decodeErr(ReasonDuplicateField, "field %d", f.id)
		}
		seen |= bit

		if want := fieldTypes[f.id]; f.typ != want {
			return nil, decodeErr(ReasonBadField, "field %d has type %d, want %d", f.id, f.typ, want)
		}
		if w := fixedWidth(f.typ); w >= 0 && len(f.value) != w {
			return nil, decodeErr(ReasonBadField, "field %d has %d bytes, want %d", f.id, len(f.value), w)
		}

		if err := applyField(env, f, l); err != nil {
			return nil, err
		}
	}

	if kind == types.KindError && env.Code == types.ErrNone {
		return nil, decodeErr(ReasonMissingField, "error envelope without code")
	}
	return env, nil
}

// applyField stores one validated field into env
func applyField(env *types.Envelope, f field, l Limits) error {
	switch f.id {
	case FieldSender, FieldTarget:
		if len(f.value) > l.MaxIdentityLength {
			return decodeErr(ReasonTooLarge, "identity of %d bytes exceeds %d", len(f.value), l.MaxIdentityLength)
		}
		if !utf8.Valid(f.value) {
			return decodeErr(ReasonBadField, "identity is not valid UTF-8")
		}
		if f.id == FieldSender {
			env.Sender = types.PluginID(f.value)
		} else {
			env.Target = types.PluginID(f.value)
		}
	case FieldTopic:
		if len(f.value) > l.MaxTopicLength {
			return decodeErr(ReasonTooLarge, "topic of %d bytes exceeds %d", len(f.value), l.MaxTopicLength)
		}
		if !utf8.Valid(f.value) {
			return decodeErr(ReasonBadField, "topic is not valid UTF-8")
		}
		env.Topic = types.Topic(f.value)
	case FieldCorrelation:
		env.CorrelationID = binary.BigEndian.Uint64(f.value)
		env.Correlated = true
	case FieldDeadline:
		env.Deadline = time.Duration(binary.BigEndian.Uint32(f.value)) * time.Millisecond
	case FieldCode:
		code := types.ErrorCode(binary.BigEndian.Uint16(f.value))
		if code == types.ErrNone {
			return decodeErr(ReasonBadField, "error code 0")
		}
		env.Code = code
	case FieldPayload:
		env.Payload = f.value
	case FieldLimit:
		env.Limit = binary.BigEndian.Uint32(f.value)
	case FieldSeq:
		env.Seq = binary.BigEndian.Uint64(f.value)
	case FieldTimestamp:
		ms := binary.BigEndian.Uint64(f.value)
		if ms > math.MaxInt64 {
			return decodeErr(ReasonBadField, "timestamp %d out of range", ms)
		}
		env.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}
	return nil
}
