package codec

import (
	"errors"
	"fmt"
)

// Reason classifies a decode failure
type Reason string

const (
	ReasonTruncated      Reason = "truncated"
	ReasonBadMagic       Reason = "bad_magic"
	ReasonBadVersion     Reason = "bad_version"
	ReasonUnknownKind    Reason = "unknown_kind"
	ReasonTooLarge       Reason = "too_large"
	ReasonBadField       Reason = "bad_field"
	ReasonDuplicateField Reason = "duplicate_field"
	ReasonMissingField   Reason = "missing_field"
)

// DecodeError is returned for every malformed or oversized input. It is
// comparable with errors.Is against the Err* sentinels, which match on
// Reason alone.
type DecodeError struct {
	Reason Reason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "codec: " + string(e.Reason)
	}
	return "codec: " + string(e.Reason) + ": " + e.Detail
}

// Is reports whether target is a DecodeError with the same reason
func (e *DecodeError) Is(target error) bool {
	var t *DecodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrTruncated      = &DecodeError{Reason: ReasonTruncated}
	ErrBadMagic       = &DecodeError{Reason: ReasonBadMagic}
	ErrBadVersion     = &DecodeError{Reason: ReasonBadVersion}
	ErrUnknownKind    = &DecodeError{Reason: ReasonUnknownKind}
	ErrTooLarge       = &DecodeError{Reason: ReasonTooLarge}
	ErrBadField       = &DecodeError{Reason: ReasonBadField}
	ErrDuplicateField = &DecodeError{Reason: ReasonDuplicateField}
	ErrMissingField   = &DecodeError{Reason: ReasonMissingField}
)

// EncodeError is returned by Encode when an envelope violates the limits
// or carries an unknown kind. It matches the Err* sentinel of the same
// reason under errors.Is, but ReasonOf ignores it: it describes an
// outbound envelope, not a malformed frame.
type EncodeError struct {
	Reason Reason
	Detail string
}

func (e *EncodeError) Error() string {
	return "codec: encode: " + string(e.Reason) + ": " + e.Detail
}

// Is reports whether target is a codec error with the same reason
func (e *EncodeError) Is(target error) bool {
	switch t := target.(type) {
	case *DecodeError:
		return t.Reason == e.Reason
	case *EncodeError:
		return t.Reason == e.Reason
	}
	return false
}

func encodeErr(reason Reason, format string, args ...any) *EncodeError {
	return &EncodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func decodeErr(reason Reason, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the decode reason carried by err, or "" if err is not
// a DecodeError
func ReasonOf(err error) Reason {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}
