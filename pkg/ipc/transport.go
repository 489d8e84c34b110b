package ipc

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baaaht/msgplane/pkg/codec"
)

// Transport carries whole envelopes over one connection. ReadFrame and
// WriteFrame may be called concurrently with each other but each must
// only be called from a single goroutine.
type Transport interface {
	// ReadFrame returns the next encoded envelope
	ReadFrame() ([]byte, error)
	// WriteFrame queues one encoded envelope; Flush sends what is queued
	WriteFrame(body []byte) error
	Flush() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	// Network is tcp, unix or ws
	Network() string
	RemoteAddr() string
}

// streamTransport frames envelopes with a u32 length prefix over a byte
// stream
type streamTransport struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame int
}

// NewStreamTransport wraps a tcp or unix connection
func NewStreamTransport(conn net.Conn, maxFrame int) Transport {
	return &streamTransport{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, 64*1024),
		w:        bufio.NewWriterSize(conn, 64*1024),
		maxFrame: maxFrame,
	}
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	return codec.ReadFrame(t.r, t.maxFrame)
}

func (t *streamTransport) WriteFrame(body []byte) error {
	return codec.WriteFrame(t.w, body)
}

func (t *streamTransport) Flush() error {
	return t.w.Flush()
}

func (t *streamTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *streamTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *streamTransport) Close() error                       { return t.conn.Close() }

func (t *streamTransport) Network() string {
	return t.conn.LocalAddr().Network()
}

func (t *streamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return t.conn.LocalAddr().Network()
}

// wsTransport carries one envelope per binary websocket message
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection. Messages
// above maxFrame bytes fail the read.
func NewWebSocketTransport(conn *websocket.Conn, maxFrame int) Transport {
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, &codec.DecodeError{Reason: codec.ReasonTooLarge, Detail: "websocket message exceeds frame limit"}
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, &codec.DecodeError{Reason: codec.ReasonBadMagic, Detail: "websocket message is not binary"}
	}
	if len(data) == 0 {
		return nil, &codec.DecodeError{Reason: codec.ReasonTruncated, Detail: "empty websocket message"}
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(body []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *wsTransport) Flush() error { return nil }

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) Network() string { return "ws" }

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
