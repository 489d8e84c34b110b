package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/pkg/codec"
	"github.com/baaaht/msgplane/pkg/ipc"
	"github.com/baaaht/msgplane/pkg/types"
)

// Option configures a Client
type Option func(*Client)

// WithLimits sets the codec limits. They must match the plane's.
func WithLimits(l codec.Limits) Option {
	return func(c *Client) { c.limits = l }
}

// Client is a plugin-side connection to the plane. Send may be called
// from any goroutine; Receive and the waiting helpers must be called from
// one goroutine at a time.
type Client struct {
	transport ipc.Transport
	limits    codec.Limits
	identity  types.PluginID

	wmu  sync.Mutex
	corr atomic.Uint64

	rmu     sync.Mutex
	backlog []*types.Envelope
	closed  atomic.Bool
}

// Dial connects to a plane endpoint: tcp://host:port, unix:///path,
// ws://host:port/path or wss://host:port/path
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	c := &Client{limits: codec.DefaultLimits()}
	for _, opt := range opts {
		opt(c)
	}
	maxFrame := c.limits.MaxFrameSize()

	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to dial "+address, err)
		}
		c.transport = ipc.NewWebSocketTransport(conn, maxFrame)
	default:
		ep, err := config.ParseEndpoint(address)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, ep.Network, ep.Address)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to dial "+address, err)
		}
		c.transport = ipc.NewStreamTransport(conn, maxFrame)
	}
	return c, nil
}

// Identity returns the identity registered through Register
func (c *Client) Identity() types.PluginID {
	return c.identity
}

// NextCorrelation returns a fresh correlation id for this client
func (c *Client) NextCorrelation() uint64 {
	return c.corr.Add(1)
}

// Send encodes and writes one envelope
func (c *Client) Send(env *types.Envelope) error {
	data, err := codec.Encode(env, c.limits)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes one already encoded envelope
func (c *Client) SendRaw(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.transport.WriteFrame(data); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write frame", err)
	}
	if err := c.transport.Flush(); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to flush frame", err)
	}
	return nil
}

// Receive returns the next envelope from the plane. It returns ctx.Err()
// when ctx ends first and io.EOF once the plane closed the connection.
func (c *Client) Receive(ctx context.Context) (*types.Envelope, error) {
	c.rmu.Lock()
	if len(c.backlog) > 0 {
		env := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.rmu.Unlock()
		return env, nil
	}
	c.rmu.Unlock()
	return c.read(ctx)
}

func (c *Client) read(ctx context.Context) (*types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	_ = c.transport.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.transport.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	data, err := c.transport.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return codec.Decode(data, c.limits)
}

// await reads until match accepts an envelope. Envelopes that do not match
// are kept for later Receive calls.
func (c *Client) await(ctx context.Context, match func(*types.Envelope) bool) (*types.Envelope, error) {
	for {
		env, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if match(env) {
			return env, nil
		}
		c.rmu.Lock()
		c.backlog = append(c.backlog, env)
		c.rmu.Unlock()
	}
}

// call sends a correlated envelope and waits for the plane's Ack or Error
func (c *Client) call(ctx context.Context, env *types.Envelope) (*types.Envelope, error) {
	corr := c.NextCorrelation()
	env = env.Correlate(corr)
	if err := c.Send(env); err != nil {
		return nil, err
	}

	reply, err := c.await(ctx, func(e *types.Envelope) bool {
		return e.Sender == types.PlaneID && e.Correlated && e.CorrelationID == corr &&
			(e.Kind == types.KindAck || e.Kind == types.KindError || e.Kind == env.Kind)
	})
	if err != nil {
		return nil, err
	}
	return reply, AsError(reply)
}

// AsError converts an Error envelope into an error carrying its wire code
func AsError(env *types.Envelope) error {
	if env == nil || env.Kind != types.KindError {
		return nil
	}
	return types.NewPlaneError(env.Code, env.Detail())
}

// Register claims id for this connection
func (c *Client) Register(ctx context.Context, id types.PluginID) error {
	if _, err := c.call(ctx, &types.Envelope{Kind: types.KindRegister, Sender: id}); err != nil {
		return err
	}
	c.identity = id
	return nil
}

// Unregister releases the identity; the plane closes the connection
// after acknowledging
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.call(ctx, &types.Envelope{Kind: types.KindUnregister, Sender: c.identity})
	return err
}

// Subscribe adds this plugin to topic
func (c *Client) Subscribe(ctx context.Context, topic types.Topic) error {
	_, err := c.call(ctx, &types.Envelope{Kind: types.KindSubscribe, Sender: c.identity, Topic: topic})
	return err
}

// Unsubscribe removes this plugin from topic
func (c *Client) Unsubscribe(ctx context.Context, topic types.Topic) error {
	_, err := c.call(ctx, &types.Envelope{Kind: types.KindUnsubscribe, Sender: c.identity, Topic: topic})
	return err
}

// Publish sends payload to every subscriber of topic
func (c *Client) Publish(topic types.Topic, payload []byte) error {
	return c.Send(&types.Envelope{Kind: types.KindPublish, Sender: c.identity, Topic: topic, Payload: payload})
}

// Heartbeat round-trips a heartbeat and returns the elapsed time
func (c *Client) Heartbeat(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.call(ctx, &types.Envelope{Kind: types.KindHeartbeat, Sender: c.identity}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Request sends payload to target and waits for its response. A zero
// deadline selects the plane's default.
func (c *Client) Request(ctx context.Context, target types.PluginID, payload []byte, deadline time.Duration) (*types.Envelope, error) {
	corr := c.NextCorrelation()
	req := &types.Envelope{
		Kind:          types.KindRequest,
		Sender:        c.identity,
		Target:        target,
		CorrelationID: corr,
		Correlated:    true,
		Deadline:      deadline,
		Payload:       payload,
	}
	if err := c.Send(req); err != nil {
		return nil, err
	}

	resp, err := c.await(ctx, func(e *types.Envelope) bool {
		return e.Correlated && e.CorrelationID == corr &&
			(e.Kind == types.KindResponse || e.Kind == types.KindError)
	})
	if err != nil {
		return nil, err
	}
	return resp, AsError(resp)
}

// Respond answers req with payload
func (c *Client) Respond(req *types.Envelope, payload []byte) error {
	return c.Send(&types.Envelope{
		Kind:          types.KindResponse,
		Sender:        c.identity,
		Target:        req.Sender,
		CorrelationID: req.CorrelationID,
		Correlated:    true,
		Payload:       payload,
	})
}

// ReplayQuery selects buffered publishes. Topic may end in "*" to select
// every topic with that prefix. A non-empty Sender keeps only publishes from
// that plugin, and only publishes with a Seq above AfterSeq are returned.
// A zero Limit selects the plane's cap.
type ReplayQuery struct {
	Topic    types.Topic
	Sender   types.PluginID
	AfterSeq uint64
	Limit    uint32
}

// Replay fetches up to limit buffered publishes on topic, oldest first
func (c *Client) Replay(ctx context.Context, topic types.Topic, limit uint32) ([]*types.Envelope, error) {
	return c.Query(ctx, ReplayQuery{Topic: topic, Limit: limit})
}

// Query fetches the buffered publishes selected by q in sequence order.
// Live publishes that arrive meanwhile are kept for Receive.
func (c *Client) Query(ctx context.Context, q ReplayQuery) ([]*types.Envelope, error) {
	corr := c.NextCorrelation()
	if err := c.Send(&types.Envelope{
		Kind:          types.KindReplay,
		Sender:        c.identity,
		Target:        q.Sender,
		Topic:         q.Topic,
		Seq:           q.AfterSeq,
		Limit:         q.Limit,
		CorrelationID: corr,
		Correlated:    true,
	}); err != nil {
		return nil, err
	}

	// The plane tags replayed copies with the Replay's correlation id and
	// sends them before the Ack
	var out []*types.Envelope
	for {
		env, err := c.await(ctx, func(e *types.Envelope) bool {
			if !e.Correlated || e.CorrelationID != corr {
				return false
			}
			if e.Sender == types.PlaneID {
				return e.Kind == types.KindAck || e.Kind == types.KindError
			}
			return e.Kind == types.KindPublish && e.Target == c.identity
		})
		if err != nil {
			return nil, err
		}
		switch env.Kind {
		case types.KindAck:
			return out, nil
		case types.KindError:
			return nil, AsError(env)
		default:
			out = append(out, env)
		}
	}
}

// Close closes the connection
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.transport.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
