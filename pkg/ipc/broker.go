package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/codec"
	"github.com/baaaht/msgplane/pkg/handler"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/store"
	"github.com/baaaht/msgplane/pkg/types"
)

// Mirror receives every routed publish. Implementations must not block.
type Mirror interface {
	Mirror(env *types.Envelope)
}

// Option configures a Broker
type Option func(*Broker)

// WithMetrics records broker activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithMirror copies every routed publish to m
func WithMirror(m Mirror) Option {
	return func(b *Broker) { b.mirror = m }
}

// WithHandlerOptions passes options through to the handler
func WithHandlerOptions(opts ...handler.Option) Option {
	return func(b *Broker) { b.handlerOpts = append(b.handlerOpts, opts...) }
}

// event is one unit of work for a shard
type event struct {
	conn   *connection
	env    *types.Envelope
	closed bool
}

// Broker accepts plugin connections and routes envelopes between them.
// Each connection is pinned to one shard so its frames are handled in
// the order they were read.
type Broker struct {
	cfg         *config.Config
	store       *store.Store
	handler     *handler.Handler
	handlerOpts []handler.Option
	limits      codec.Limits
	metrics     *metrics.Metrics
	mirror      Mirror
	logger      *logger.Logger

	shards []chan event
	seq    atomic.Uint64

	mu        sync.RWMutex
	conns     map[types.PeerHandle]*connection
	streams   []*streamListener
	ws        *wsListener
	status    types.Status
	startedAt time.Time

	group    *errgroup.Group
	stopCh   chan struct{}
	connWG   sync.WaitGroup
	workerWG sync.WaitGroup

	framesReceived  atomic.Uint64
	framesSent      atomic.Uint64
	decodeErrors    atomic.Uint64
	slowConsumers   atomic.Uint64
	requestTimeouts atomic.Uint64
	rateLimited     atomic.Uint64
	rejected        atomic.Uint64
}

// LimitsFor returns the codec limits a transport configuration allows
func LimitsFor(cfg config.TransportConfig) codec.Limits {
	return codec.Limits{
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		MaxIdentityLength: cfg.MaxIdentityLength,
		MaxTopicLength:    cfg.MaxTopicLength,
	}
}

// New creates a new broker. When st is nil a store is built from cfg.Store.
func New(cfg *config.Config, st *store.Store, log *logger.Logger, opts ...Option) (*Broker, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if st == nil {
		var err error
		st, err = store.New(cfg.Store, log)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create store", err)
		}
	}

	b := &Broker{
		cfg:    cfg,
		store:  st,
		limits: LimitsFor(cfg.Transport),
		logger: log.With("component", "ipc_broker"),
		conns:  make(map[types.PeerHandle]*connection),
		status: types.StatusStarting,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	h, err := handler.New(st, cfg.Request, log,
		append([]handler.Option{handler.WithPublishHook(b.onPublish)}, b.handlerOpts...)...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create handler", err)
	}
	b.handler = h

	workers := cfg.Dispatch.EffectiveWorkers()
	b.shards = make([]chan event, workers)
	for i := range b.shards {
		b.shards[i] = make(chan event, cfg.Dispatch.InboundQueueSize)
	}

	b.logger.Info("IPC broker initialized",
		"endpoints", cfg.Transport.Endpoints,
		"websocket_address", cfg.Transport.WebSocketAddress,
		"workers", workers,
		"max_connections", cfg.Transport.MaxConnections,
		"max_payload_bytes", cfg.Transport.MaxPayloadBytes,
		"rate_limit", cfg.Dispatch.RateLimit)

	return b, nil
}

// Start binds every configured endpoint and starts serving. A bind failure
// closes whatever was already bound and is returned.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.status != types.StatusStarting {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "broker already started")
	}
	b.mu.Unlock()

	maxFrame := b.limits.MaxFrameSize()
	var streams []*streamListener
	closeAll := func() {
		for _, l := range streams {
			_ = l.close()
		}
	}

	for _, raw := range b.cfg.Transport.Endpoints {
		ep, err := config.ParseEndpoint(raw)
		if err != nil {
			closeAll()
			return err
		}
		l, err := listenStream(ep, maxFrame, b.logger)
		if err != nil {
			closeAll()
			return err
		}
		streams = append(streams, l)
	}

	var ws *wsListener
	if b.cfg.Transport.WebSocketAddress != "" {
		var err error
		ws, err = listenWebSocket(b.cfg.Transport.WebSocketAddress, b.cfg.Transport.WebSocketPath, maxFrame, b.logger, b.accept)
		if err != nil {
			closeAll()
			return err
		}
	}

	if len(streams) == 0 && ws == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "no endpoints configured")
	}

	for i := range b.shards {
		b.workerWG.Add(1)
		go b.runShard(i)
	}

	group, gctx := errgroup.WithContext(ctx)
	b.mu.Lock()
	b.streams = streams
	b.ws = ws
	b.group = group
	b.status = types.StatusRunning
	b.startedAt = time.Now()
	b.mu.Unlock()

	for _, l := range streams {
		group.Go(func() error { return l.serve(b.accept) })
	}
	if ws != nil {
		group.Go(ws.serve)
	}
	group.Go(func() error { return b.sweepLoop(gctx) })

	b.logger.Info("IPC broker started", "endpoints", b.Endpoints(), "websocket", b.WebSocketURL())
	return nil
}

// Wait blocks until every listener and the sweeper have stopped
func (b *Broker) Wait() error {
	b.mu.RLock()
	group := b.group
	b.mu.RUnlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// accept admits a new transport, or closes it when the plane is not
// running or the connection limit is reached
func (b *Broker) accept(t Transport) {
	id := types.PeerHandle(uuid.NewString())
	shard := int((b.seq.Add(1) - 1) % uint64(len(b.shards)))

	var limiter *rate.Limiter
	if b.cfg.Dispatch.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.cfg.Dispatch.RateLimit), b.cfg.Dispatch.EffectiveBurst())
	}
	c := newConnection(id, shard, t, b.cfg.Dispatch.OutboundQueueSize, limiter)
	if hs := b.cfg.Transport.HandshakeTimeout; hs > 0 {
		c.mu.Lock()
		c.handshake = time.AfterFunc(hs, func() {
			if c.State() == StateConnecting && c.drain("handshake timeout") {
				b.logger.Info("Connection did not register in time", "conn_id", id, "timeout", hs.String())
			}
		})
		c.mu.Unlock()
	}

	b.mu.Lock()
	if b.status != types.StatusRunning {
		b.mu.Unlock()
		c.drain("plane not running")
		_ = t.Close()
		return
	}
	if limit := b.cfg.Transport.MaxConnections; limit > 0 && len(b.conns) >= limit {
		count := len(b.conns)
		b.mu.Unlock()
		b.logger.Warn("Connection limit reached, rejecting connection",
			"remote_addr", t.RemoteAddr(),
			"current_count", count,
			"max_connections", limit)
		c.drain("connection limit")
		_ = t.Close()
		return
	}
	b.conns[id] = c
	b.connWG.Add(1)
	b.mu.Unlock()

	b.metrics.ConnectionOpened()
	b.logger.Debug("Connection accepted",
		"conn_id", id,
		"network", t.Network(),
		"remote_addr", t.RemoteAddr(),
		"shard", shard)

	go b.writeLoop(c)
	go b.readLoop(c)
}

// readLoop decodes frames and hands them to the connection's shard
func (b *Broker) readLoop(c *connection) {
	defer b.closed(c)

	idle := b.cfg.Heartbeat.IdleTimeout()
	for {
		if idle > 0 {
			_ = c.transport.SetReadDeadline(time.Now().Add(idle))
		}
		data, err := c.transport.ReadFrame()
		if err != nil {
			b.readFailed(c, err)
			return
		}
		if c.State() >= StateDraining {
			return
		}

		env, err := codec.Decode(data, b.limits)
		if err != nil {
			b.readFailed(c, err)
			return
		}
		b.framesReceived.Add(1)
		b.metrics.FrameReceived(env.Kind)

		if c.limiter != nil && !c.limiter.Allow() {
			b.rateLimited.Add(1)
			b.deliver(c, []handler.Outbound{{
				Origin: true,
				Env:    types.ErrorReply(env, types.ErrRateLimited, "inbound rate limit exceeded"),
			}})
			continue
		}

		select {
		case b.shards[c.shard] <- event{conn: c, env: env}:
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) readFailed(c *connection, err error) {
	if reason := codec.ReasonOf(err); reason != "" {
		b.decodeErrors.Add(1)
		b.metrics.DecodeError(string(reason))
		b.logger.Warn("Malformed frame, closing connection",
			"conn_id", c.id,
			"identity", c.Identity(),
			"reason", reason,
			"error", err)
		b.deliver(c, []handler.Outbound{{
			Origin: true,
			Env:    types.NewErrorEnvelope(c.Identity(), types.ErrDecode, err.Error(), 0, false),
		}})
		c.drain("decode error")
		return
	}

	if c.State() >= StateDraining {
		return
	}

	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.drain("peer closed")
	case errors.As(err, &ne) && ne.Timeout():
		if c.drain("idle timeout") {
			b.logger.Info("Connection idle, closing",
				"conn_id", c.id,
				"identity", c.Identity(),
				"idle_timeout", b.cfg.Heartbeat.IdleTimeout().String())
		}
	default:
		if c.drain("read error") {
			b.logger.Debug("Connection read failed", "conn_id", c.id, "error", err)
		}
	}
}

// closed routes the close event through the connection's shard so cleanup
// runs after every frame the connection already delivered
func (b *Broker) closed(c *connection) {
	c.drain("connection closed")
	select {
	case b.shards[c.shard] <- event{conn: c, closed: true}:
	case <-b.stopCh:
		b.finish(c, false)
	}
}

// writeLoop sends queued envelopes until the queue is closed, then closes
// the transport
func (b *Broker) writeLoop(c *connection) {
	defer c.transport.Close()

	wt := b.cfg.Transport.WriteTimeout
	for data := range c.out {
		if wt > 0 {
			_ = c.transport.SetWriteDeadline(time.Now().Add(wt))
		}
		err := c.transport.WriteFrame(data)
		if err == nil && len(c.out) == 0 {
			err = c.transport.Flush()
		}
		if err != nil {
			if c.drain("write error") {
				b.logger.Debug("Connection write failed", "conn_id", c.id, "error", err)
			}
			return
		}
	}
	_ = c.transport.Flush()
}

func (b *Broker) runShard(i int) {
	defer b.workerWG.Done()
	for {
		select {
		case ev := <-b.shards[i]:
			b.process(ev)
		case <-b.stopCh:
			return
		}
	}
}

// process applies one event on the connection's shard
func (b *Broker) process(ev event) {
	c := ev.conn
	if ev.closed {
		b.finish(c, true)
		return
	}
	if c.State() >= StateDraining {
		return
	}

	env := ev.env
	if env.Kind == types.KindRegister && c.State() == StateRegistered {
		b.deliver(c, []handler.Outbound{{
			Origin: true,
			Env: types.ErrorReply(env, types.ErrConflict,
				fmt.Sprintf("connection is already registered as %q", c.Identity())),
		}})
		return
	}

	res := b.handler.Handle(c.id, env)
	switch res.Transition {
	case handler.TransitionRegistered:
		c.bind(env.Sender)
		b.logger.Debug("Plugin registered", "conn_id", c.id, "plugin", env.Sender)
	case handler.TransitionUnregistered:
		c.release()
	}

	b.deliver(c, res.Out)

	switch res.Transition {
	case handler.TransitionUnregistered:
		c.drain("unregistered")
		b.logger.Debug("Plugin unregistered", "conn_id", c.id, "plugin", env.Sender)
	case handler.TransitionReject:
		if c.State() == StateConnecting {
			b.rejected.Add(1)
			c.drain("unauthorized")
		}
	}
}

// finish releases the connection's identity and removes it. When notify is
// set the requesters waiting on the identity are told it disconnected.
func (b *Broker) finish(c *connection, notify bool) {
	id := c.release()
	outs := b.handler.Disconnect(c.id, id)
	c.setState(StateClosed)

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	b.metrics.ConnectionClosed()
	if notify {
		b.deliver(nil, outs)
	}

	b.logger.Debug("Connection closed",
		"conn_id", c.id,
		"identity", id,
		"reason", c.Reason(),
		"cancelled_requests", len(outs))
	b.connWG.Done()
}

// deliver encodes each outbound envelope once and queues it on its
// destination. It never blocks and is safe from any goroutine.
func (b *Broker) deliver(origin *connection, outs []handler.Outbound) {
	if len(outs) == 0 {
		return
	}

	var encoded map[*types.Envelope][]byte
	for _, o := range outs {
		dest := origin
		if !o.Origin {
			dest = b.connFor(o.To)
		}
		if dest == nil {
			b.logger.Debug("Dropping envelope for disconnected plugin", "to", o.To, "kind", o.Env.Kind)
			continue
		}

		data, ok := encoded[o.Env]
		if !ok {
			var err error
			data, err = codec.Encode(o.Env, b.limits)
			if err != nil {
				b.logger.Error("Failed to encode outbound envelope", "kind", o.Env.Kind, "to", o.To, "error", err)
				continue
			}
			if encoded == nil {
				encoded = make(map[*types.Envelope][]byte, 1)
			}
			encoded[o.Env] = data
		}

		queued, full := dest.enqueue(data)
		switch {
		case queued:
			b.framesSent.Add(1)
			b.metrics.FrameSent(o.Env)
		case full:
			b.slowConsumer(dest)
		}
	}
}

func (b *Broker) connFor(id types.PluginID) *connection {
	peer, ok := b.store.Lookup(id)
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[peer]
}

func (b *Broker) slowConsumer(c *connection) {
	if !c.drain("slow consumer") {
		return
	}
	b.slowConsumers.Add(1)
	b.metrics.SlowConsumer()
	b.logger.Warn("Outbound queue full, closing slow consumer",
		"conn_id", c.id,
		"identity", c.Identity(),
		"queue_size", b.cfg.Dispatch.OutboundQueueSize)
}

func (b *Broker) onPublish(env *types.Envelope, fanout int) {
	b.metrics.PublishRouted(fanout)
	if b.mirror != nil {
		b.mirror.Mirror(env)
	}
}

// sweepLoop fails expired requests every sweep interval
func (b *Broker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Request.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Broker) sweep() {
	outs := b.handler.Expire()
	if n := len(outs); n > 0 {
		b.requestTimeouts.Add(uint64(n))
		b.metrics.RequestTimeouts(n)
		b.deliver(nil, outs)
	}
	st := b.store.Stats()
	b.metrics.SetRouting(st.Registered, st.Pending)
}

// Shutdown stops accepting, drains every connection, and stops the workers.
// Connections still open when ctx expires are closed without flushing.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.status != types.StatusRunning {
		status := b.status
		b.mu.Unlock()
		if status == types.StatusStarting {
			b.mu.Lock()
			b.status = types.StatusStopped
			b.mu.Unlock()
			return nil
		}
		return types.NewError(types.ErrCodeFailedPrecondition, "broker is not running")
	}
	b.status = types.StatusDraining
	streams, ws := b.streams, b.ws
	b.mu.Unlock()

	b.logger.Info("IPC broker draining", "connections", len(b.snapshot()))

	var errs []error
	for _, l := range streams {
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ws != nil {
		if err := ws.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, c := range b.snapshot() {
		c.drain("plane shutdown")
	}

	done := make(chan struct{})
	go func() {
		b.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		remaining := b.snapshot()
		b.logger.Warn("Drain deadline reached, closing remaining connections", "connections", len(remaining))
		for _, c := range remaining {
			_ = c.transport.Close()
		}
	}

	close(b.stopCh)
	b.workerWG.Wait()
	if err := b.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	b.status = types.StatusStopped
	b.mu.Unlock()

	b.logger.Info("IPC broker stopped")
	return errors.Join(errs...)
}

func (b *Broker) snapshot() []*connection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Status returns the broker lifecycle status
func (b *Broker) Status() types.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Store returns the routing store
func (b *Broker) Store() *store.Store {
	return b.store
}

// Endpoints returns the bound stream endpoints in URL form. Port 0 in the
// configuration is resolved to the port actually bound.
func (b *Broker) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.streams))
	for _, l := range b.streams {
		out = append(out, l.endpoint.String())
	}
	return out
}

// WebSocketURL returns the bound websocket URL, or "" when disabled
func (b *Broker) WebSocketURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ws == nil {
		return ""
	}
	return b.ws.URL()
}

// Connections describes every open connection, oldest first
func (b *Broker) Connections() []ConnectionInfo {
	conns := b.snapshot()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Plugins describes every registered identity, sorted by id
func (b *Broker) Plugins() []store.PluginInfo {
	return b.store.Plugins()
}

// Plugin describes the registered identity id
func (b *Broker) Plugin(id types.PluginID) (store.PluginInfo, bool) {
	return b.store.Plugin(id)
}

// Pending returns the open requests, earliest deadline first
func (b *Broker) Pending() []store.PendingRequest {
	return b.store.Pending()
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	status := b.status
	conns := len(b.conns)
	startedAt := b.startedAt
	b.mu.RUnlock()

	st := b.store.Stats()
	stats := BrokerStats{
		Status:          status,
		Connections:     conns,
		Workers:         len(b.shards),
		Registered:      st.Registered,
		Topics:          st.Topics,
		Subscriptions:   st.Subscriptions,
		Pending:         st.Pending,
		HistoryTopics:   st.HistoryTopics,
		FramesReceived:  b.framesReceived.Load(),
		FramesSent:      b.framesSent.Load(),
		DecodeErrors:    b.decodeErrors.Load(),
		SlowConsumers:   b.slowConsumers.Load(),
		RequestTimeouts: b.requestTimeouts.Load(),
		RateLimited:     b.rateLimited.Load(),
		Rejected:        b.rejected.Load(),
	}
	if !startedAt.IsZero() {
		stats.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	return stats
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	stats := b.Stats()
	return fmt.Sprintf("Broker{Status: %s, Connections: %d, Registered: %d, Received: %d, Sent: %d}",
		stats.Status, stats.Connections, stats.Registered, stats.FramesReceived, stats.FramesSent)
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	Status          types.Status `json:"status"`
	Uptime          string       `json:"uptime,omitempty"`
	Connections     int          `json:"connections"`
	Workers         int          `json:"workers"`
	Registered      int          `json:"registered"`
	Topics          int          `json:"topics"`
	Subscriptions   int          `json:"subscriptions"`
	Pending         int          `json:"pending"`
	HistoryTopics   int          `json:"history_topics"`
	FramesReceived  uint64       `json:"frames_received"`
	FramesSent      uint64       `json:"frames_sent"`
	DecodeErrors    uint64       `json:"decode_errors"`
	SlowConsumers   uint64       `json:"slow_consumers"`
	RequestTimeouts uint64       `json:"request_timeouts"`
	RateLimited     uint64       `json:"rate_limited"`
	Rejected        uint64       `json:"rejected"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Status: %s, Connections: %d, Registered: %d, Topics: %d, Pending: %d, Received: %d, Sent: %d, DecodeErrors: %d, SlowConsumers: %d}",
		s.Status, s.Connections, s.Registered, s.Topics, s.Pending,
		s.FramesReceived, s.FramesSent, s.DecodeErrors, s.SlowConsumers)
}
