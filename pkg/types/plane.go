package types

import (
	"strings"
	"time"
)

// PluginID identifies a connected plugin. It is chosen by the plugin at
// registration time and is unique among currently connected plugins.
type PluginID string

// PlaneID is the sender identity used on every envelope the plane
// originates itself (acks, errors, heartbeat echoes).
const PlaneID PluginID = "$plane"

// ReservedPrefix marks identities that plugins may not register.
const ReservedPrefix = "$"

// String returns the string representation of the ID
func (p PluginID) String() string {
	return string(p)
}

// IsEmpty returns true if the ID is empty
func (p PluginID) IsEmpty() bool {
	return p == ""
}

// Reserved reports whether the identity uses the plane's reserved prefix
func (p PluginID) Reserved() bool {
	return strings.HasPrefix(string(p), ReservedPrefix)
}

// Topic is a publish/subscribe routing key
type Topic string

// String returns the string representation of the topic
func (t Topic) String() string {
	return string(t)
}

// TopicWildcard ends a replay pattern: "sensors.*" selects every topic
// starting with "sensors.", and "*" alone selects every topic.
const TopicWildcard = "*"

// IsPattern reports whether t is a replay pattern rather than a topic
func (t Topic) IsPattern() bool {
	return strings.HasSuffix(string(t), TopicWildcard)
}

// Matches reports whether topic is selected by t. A topic that is not a
// pattern selects only itself.
func (t Topic) Matches(topic Topic) bool {
	if !t.IsPattern() {
		return t == topic
	}
	return strings.HasPrefix(string(topic), strings.TrimSuffix(string(t), TopicWildcard))
}

// PeerHandle identifies a transport connection. The store only ever holds
// the handle, never the connection itself.
type PeerHandle string

// String returns the string representation of the handle
func (h PeerHandle) String() string {
	return string(h)
}

// Kind is the message kind discriminant carried in every envelope
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRegister
	KindUnregister
	KindSubscribe
	KindUnsubscribe
	KindPublish
	KindRequest
	KindResponse
	KindHeartbeat
	KindError
	KindAck
	KindReplay

	kindSentinel
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindRegister:    "register",
	KindUnregister:  "unregister",
	KindSubscribe:   "subscribe",
	KindUnsubscribe: "unsubscribe",
	KindPublish:     "publish",
	KindRequest:     "request",
	KindResponse:    "response",
	KindHeartbeat:   "heartbeat",
	KindError:       "error",
	KindAck:         "ack",
	KindReplay:      "replay",
}

// String returns the lower-case name of the kind
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is a known, non-zero kind
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindSentinel
}

// Kinds returns every valid kind in discriminant order
func Kinds() []Kind {
	out := make([]Kind, 0, int(kindSentinel)-1)
	for k := KindInvalid + 1; k < kindSentinel; k++ {
		out = append(out, k)
	}
	return out
}

// ErrorCode is the wire error taxonomy carried by Error envelopes
type ErrorCode uint16

const (
	ErrNone ErrorCode = iota
	ErrDecode
	ErrConflict
	ErrUnknownTarget
	ErrNotFound
	ErrUnauthorized
	ErrTimeout
	ErrInvalidArgument
	ErrResourceExhausted
	ErrRateLimited
	ErrUnavailable
	ErrInternal

	errCodeSentinel
)

var errorCodeNames = [...]string{
	ErrNone:              "NONE",
	ErrDecode:            "DECODE_ERROR",
	ErrConflict:          "CONFLICT",
	ErrUnknownTarget:     "UNKNOWN_TARGET",
	ErrNotFound:          "NOT_FOUND",
	ErrUnauthorized:      "UNAUTHORIZED",
	ErrTimeout:           "TIMEOUT",
	ErrInvalidArgument:   "INVALID_ARGUMENT",
	ErrResourceExhausted: "RESOURCE_EXHAUSTED",
	ErrRateLimited:       "RATE_LIMITED",
	ErrUnavailable:       "UNAVAILABLE",
	ErrInternal:          "INTERNAL",
}

// String returns the taxonomy name of the code
func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return "UNKNOWN"
}

// ParseErrorCode returns the code whose String() form is s
func ParseErrorCode(s string) (ErrorCode, bool) {
	for i, name := range errorCodeNames {
		if i > 0 && name == s {
			return ErrorCode(i), true
		}
	}
	return ErrNone, false
}

// Envelope is the unit of exchange between plugins and the plane.
// Envelopes are treated as immutable once built: the plane copies before
// it changes anything and never writes into an inbound envelope.
type Envelope struct {
	Kind   Kind
	Sender PluginID
	// Target addresses requests, responses and plane replies. On a Replay
	// it keeps only publishes from that sender.
	Target PluginID
	Topic  Topic

	// CorrelationID is only meaningful when Correlated is set; zero is a
	// legal correlation id.
	CorrelationID uint64
	Correlated    bool

	// Deadline is the relative time budget of a Request. Zero selects the
	// plane's default.
	Deadline time.Duration

	// Code is set on Error envelopes.
	Code ErrorCode

	// Limit bounds the number of envelopes returned by a Replay.
	Limit uint32

	// Seq and Timestamp are stamped on publishes when topic history is
	// enabled. On a Replay, Seq is the cursor: only publishes with a
	// greater Seq are returned.
	Seq       uint64
	Timestamp time.Time

	Payload []byte
}

// Correlate returns a copy of the envelope carrying the correlation id
func (e Envelope) Correlate(id uint64) *Envelope {
	e.CorrelationID = id
	e.Correlated = true
	return &e
}

// Detail returns the human-readable detail of an Error envelope
func (e *Envelope) Detail() string {
	if e.Kind != KindError {
		return ""
	}
	return string(e.Payload)
}

// NewErrorEnvelope builds a plane-originated Error envelope addressed to
// target. The correlation id is echoed when the failure relates to a
// correlated message.
func NewErrorEnvelope(target PluginID, code ErrorCode, detail string, corr uint64, correlated bool) *Envelope {
	return &Envelope{
		Kind:          KindError,
		Sender:        PlaneID,
		Target:        target,
		Code:          code,
		CorrelationID: corr,
		Correlated:    correlated,
		Payload:       []byte(detail),
	}
}

// ErrorReply builds an Error envelope answering req, echoing its correlation
func ErrorReply(req *Envelope, code ErrorCode, detail string) *Envelope {
	return NewErrorEnvelope(req.Sender, code, detail, req.CorrelationID, req.Correlated)
}

// AckReply builds an Ack answering req, echoing its correlation and topic
func AckReply(req *Envelope) *Envelope {
	return &Envelope{
		Kind:          KindAck,
		Sender:        PlaneID,
		Target:        req.Sender,
		Topic:         req.Topic,
		CorrelationID: req.CorrelationID,
		Correlated:    req.Correlated,
	}
}
