package codec

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// FramePrefixLen is the size of the stream length prefix
const FramePrefixLen = 4

// ReadFrame reads one length-prefixed envelope from a byte stream.
// A clean end of stream before any prefix byte returns io.EOF. Lengths
// above maxFrame are rejected before the body is read.
func ReadFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var prefix [FramePrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErr(ReasonTruncated, "short frame prefix")
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, decodeErr(ReasonTruncated, "empty frame")
	}
	if uint64(n) > uint64(maxFrame) {
		return nil, decodeErr(ReasonTooLarge, "frame of %d bytes exceeds %d", n, maxFrame)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, decodeErr(ReasonTruncated, "frame body needs %d bytes", n)
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body with its length prefix. On connections that
// support it the prefix and body go out in a single writev.
func WriteFrame(w io.Writer, body []byte) error {
	var prefix [FramePrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	bufs := net.Buffers{prefix[:], body}
	_, err := bufs.WriteTo(w)
	return err
}
