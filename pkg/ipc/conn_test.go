package ipc

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/codec"
	"github.com/baaaht/msgplane/pkg/handler"
	"github.com/baaaht/msgplane/pkg/types"
)

// stubTransport records writes and never produces input
type stubTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *stubTransport) ReadFrame() ([]byte, error) { return nil, io.EOF }

func (s *stubTransport) WriteFrame(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, body)
	return nil
}

func (s *stubTransport) Flush() error                     { return nil }
func (s *stubTransport) SetReadDeadline(time.Time) error  { return nil }
func (s *stubTransport) SetWriteDeadline(time.Time) error { return nil }
func (s *stubTransport) Network() string                  { return "stub" }
func (s *stubTransport) RemoteAddr() string               { return "stub" }
func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(9).String())
}

func TestConnectionLifecycle(t *testing.T) {
	c := newConnection("peer-1", 0, &stubTransport{}, 2, nil)
	assert.Equal(t, StateConnecting, c.State())

	c.bind("A")
	assert.Equal(t, StateRegistered, c.State())
	assert.Equal(t, types.PluginID("A"), c.Identity())

	queued, full := c.enqueue([]byte("1"))
	assert.True(t, queued)
	assert.False(t, full)
	c.enqueue([]byte("2"))

	queued, full = c.enqueue([]byte("3"))
	assert.False(t, queued)
	assert.True(t, full)
	assert.Equal(t, 2, c.queued())

	assert.True(t, c.drain("test"))
	assert.False(t, c.drain("again"))
	assert.Equal(t, StateDraining, c.State())
	assert.Equal(t, "test", c.Reason())

	// Output offered after drain is dropped, queued output is still readable
	queued, full = c.enqueue([]byte("4"))
	assert.False(t, queued)
	assert.False(t, full)
	var got []string
	for data := range c.out {
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"1", "2"}, got)

	// A late bind does not resurrect a draining connection
	c.bind("B")
	assert.Equal(t, StateDraining, c.State())
	assert.Equal(t, types.PluginID("B"), c.release())
	assert.Empty(t, c.Identity())
}

func TestStreamTransportPipe(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()
	defer clientConn.Close()

	limits := codec.DefaultLimits()
	st := NewStreamTransport(server, limits.MaxFrameSize())
	ct := NewStreamTransport(clientConn, limits.MaxFrameSize())

	env := &types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t", Payload: []byte("hi")}
	data, err := codec.Encode(env, limits)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		if err := ct.WriteFrame(data); err != nil {
			errCh <- err
			return
		}
		errCh <- ct.Flush()
	}()

	got, err := st.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, data, got)
	assert.Equal(t, "pipe", st.Network())
}

func newUnstartedBroker(t *testing.T, mutate func(*config.Config)) *Broker {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dispatch.Workers = 1
	if mutate != nil {
		mutate(cfg)
	}
	b, err := New(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	return b
}

// attach registers a stub connection for id as if it had completed the
// handshake
func attach(t *testing.T, b *Broker, id types.PluginID, queue int) (*connection, *stubTransport) {
	t.Helper()
	st := &stubTransport{}
	c := newConnection(types.PeerHandle("peer-"+string(id)), 0, st, queue, nil)
	require.NoError(t, b.store.Register(id, c.id, time.Now()))
	c.bind(id)
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
	b.connWG.Add(1)
	return c, st
}

func TestDeliverEncodesOnce(t *testing.T) {
	b := newUnstartedBroker(t, nil)
	a, _ := attach(t, b, "A", 8)
	bb, _ := attach(t, b, "B", 8)

	pub := &types.Envelope{Kind: types.KindPublish, Sender: "C", Topic: "t", Payload: []byte("x")}
	b.deliver(nil, []handler.Outbound{{To: "A", Env: pub}, {To: "B", Env: pub}, {To: "gone", Env: pub}})

	da := <-a.out
	db := <-bb.out
	assert.Equal(t, da, db)
	assert.Same(t, &da[0], &db[0], "fan-out shares one encoding")
	assert.Equal(t, uint64(2), b.Stats().FramesSent)
}

func TestDeliverSlowConsumer(t *testing.T) {
	b := newUnstartedBroker(t, nil)
	slow, _ := attach(t, b, "slow", 1)

	env := &types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"}
	b.deliver(nil, []handler.Outbound{{To: "slow", Env: env}})
	assert.Equal(t, StateRegistered, slow.State())

	b.deliver(nil, []handler.Outbound{{To: "slow", Env: env}})
	assert.Equal(t, StateDraining, slow.State())
	assert.Equal(t, "slow consumer", slow.Reason())
	assert.Equal(t, uint64(1), b.Stats().SlowConsumers)

	// Once draining, further output is dropped without another slow count
	b.deliver(nil, []handler.Outbound{{To: "slow", Env: env}})
	assert.Equal(t, uint64(1), b.Stats().SlowConsumers)
}

func TestFinishCancelsPendingRequests(t *testing.T) {
	b := newUnstartedBroker(t, nil)
	a, _ := attach(t, b, "A", 8)
	bc, _ := attach(t, b, "B", 8)
	now := time.Now()
	require.NoError(t, b.store.OpenRequest("A", "B", 7, now.Add(time.Minute), now))

	bc.drain("peer closed")
	b.finish(bc, true)

	assert.Equal(t, StateClosed, bc.State())
	_, ok := b.store.Lookup("B")
	assert.False(t, ok)
	assert.Len(t, b.Connections(), 1)

	data := <-a.out
	env, err := codec.Decode(data, b.limits)
	require.NoError(t, err)
	assert.Equal(t, types.KindError, env.Kind)
	assert.Equal(t, types.ErrUnknownTarget, env.Code)
	assert.Equal(t, uint64(7), env.CorrelationID)
}

func TestWriteLoopFlushesThenCloses(t *testing.T) {
	b := newUnstartedBroker(t, nil)
	st := &stubTransport{}
	c := newConnection("peer", 0, st, 4, nil)
	c.enqueue([]byte("a"))
	c.enqueue([]byte("b"))
	c.drain("unregistered")

	b.writeLoop(c)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, st.frames)
	assert.True(t, st.closed)
}
