package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/store"
	"github.com/baaaht/msgplane/pkg/types"
)

// Transition tells the connection loop how a frame changed the
// connection's state
type Transition int

const (
	// TransitionNone leaves the connection state unchanged
	TransitionNone Transition = iota
	// TransitionRegistered binds the connection to the sender identity
	TransitionRegistered
	// TransitionUnregistered starts draining the connection
	TransitionUnregistered
	// TransitionReject marks a frame from an unauthorized sender. A
	// connection that has not registered yet is drained and closed.
	TransitionReject
)

// String returns the string representation of the transition
func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionRegistered:
		return "registered"
	case TransitionUnregistered:
		return "unregistered"
	case TransitionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Outbound is one envelope to deliver. When Origin is set the envelope goes
// back on the connection the frame arrived on; otherwise it is routed to
// the connection registered as To.
type Outbound struct {
	To     types.PluginID
	Origin bool
	Env    *types.Envelope
}

// Result is the outcome of handling one inbound envelope
type Result struct {
	Out        []Outbound
	Transition Transition
}

// PublishHook observes every publish after it has been routed
type PublishHook func(env *types.Envelope, fanout int)

// Option configures a Handler
type Option func(*Handler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithPublishHook registers a hook called for every routed publish
func WithPublishHook(hook PublishHook) Option {
	return func(h *Handler) { h.onPublish = hook }
}

// Handler applies inbound envelopes to the store and computes what must be
// sent in response. It never touches a connection.
type Handler struct {
	store     *store.Store
	cfg       config.RequestConfig
	logger    *logger.Logger
	now       func() time.Time
	onPublish PublishHook
}

// New creates a new handler over st
func New(st *store.Store, cfg config.RequestConfig, log *logger.Logger, opts ...Option) (*Handler, error) {
	if st == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "store cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = config.DefaultRequestDeadline
	}
	if cfg.MaxDeadline < cfg.DefaultDeadline {
		cfg.MaxDeadline = cfg.DefaultDeadline
	}

	h := &Handler{
		store:  st,
		cfg:    cfg,
		logger: log.With("component", "handler"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Store returns the store the handler routes against
func (h *Handler) Store() *store.Store {
	return h.store
}

// Handle processes one decoded envelope received on peer
func (h *Handler) Handle(peer types.PeerHandle, env *types.Envelope) Result {
	if env.Kind == types.KindRegister {
		return h.register(peer, env)
	}

	if !h.store.Bound(env.Sender, peer) {
		h.logger.Debug("Rejected frame from unauthorized sender",
			"peer", peer, "sender", env.Sender, "kind", env.Kind)
		return Result{
			Out:        reply(types.ErrorReply(env, types.ErrUnauthorized, "sender is not registered on this connection")),
			Transition: TransitionReject,
		}
	}

	switch env.Kind {
	case types.KindUnregister:
		return h.unregister(peer, env)
	case types.KindSubscribe:
		return h.subscribe(env)
	case types.KindUnsubscribe:
		return h.unsubscribe(env)
	case types.KindPublish:
		return h.publish(env)
	case types.KindRequest:
		return h.request(env)
	case types.KindResponse, types.KindError:
		return h.respond(env)
	case types.KindHeartbeat:
		return h.heartbeat(env)
	case types.KindReplay:
		return h.replay(env)
	case types.KindAck:
		return failure(env, types.ErrInvalidArgument, "ack is only sent by the plane")
	default:
		h.logger.Error("Unhandled envelope kind", "kind", env.Kind)
		return failure(env, types.ErrInternal, fmt.Sprintf("unhandled kind %s", env.Kind))
	}
}

// Disconnect releases the identity bound to peer after its connection
// closed and returns the cancellations owed to requesters waiting on it
func (h *Handler) Disconnect(peer types.PeerHandle, id types.PluginID) []Outbound {
	if id.IsEmpty() {
		return nil
	}
	orphaned, removed := h.store.UnregisterPeer(id, peer)
	if !removed {
		return nil
	}
	return cancellations(orphaned)
}

// Expire sweeps requests whose deadline has passed and returns one TIMEOUT
// error per expired request
func (h *Handler) Expire() []Outbound {
	expired := h.store.SweepExpired(h.now())
	if len(expired) == 0 {
		return nil
	}

	out := make([]Outbound, 0, len(expired))
	for _, req := range expired {
		h.logger.Debug("Request timed out",
			"requester", req.Requester, "target", req.Target, "correlation_id", req.CorrelationID)
		out = append(out, Outbound{
			To:  req.Requester,
			Env: types.NewErrorEnvelope(req.Requester, types.ErrTimeout, "request deadline exceeded", req.CorrelationID, true),
		})
	}
	return out
}

func (h *Handler) register(peer types.PeerHandle, env *types.Envelope) Result {
	switch {
	case env.Sender.IsEmpty():
		return failure(env, types.ErrInvalidArgument, "identity cannot be empty")
	case env.Sender.Reserved():
		return failure(env, types.ErrInvalidArgument,
			fmt.Sprintf("identities starting with %q are reserved", types.ReservedPrefix))
	}

	if err := h.store.Register(env.Sender, peer, h.now()); err != nil {
		return storeFailure(env, err)
	}
	return Result{Out: reply(types.AckReply(env)), Transition: TransitionRegistered}
}

func (h *Handler) unregister(peer types.PeerHandle, env *types.Envelope) Result {
	orphaned, _ := h.store.UnregisterPeer(env.Sender, peer)

	out := reply(types.AckReply(env))
	out = append(out, cancellations(orphaned)...)
	return Result{Out: out, Transition: TransitionUnregistered}
}

func (h *Handler) subscribe(env *types.Envelope) Result {
	if env.Topic == "" {
		return failure(env, types.ErrInvalidArgument, "subscribe requires a topic")
	}
	if err := h.store.Subscribe(env.Sender, env.Topic); err != nil {
		return storeFailure(env, err)
	}
	return ackIfCorrelated(env)
}

func (h *Handler) unsubscribe(env *types.Envelope) Result {
	if env.Topic == "" {
		return failure(env, types.ErrInvalidArgument, "unsubscribe requires a topic")
	}
	if err := h.store.Unsubscribe(env.Sender, env.Topic); err != nil {
		return storeFailure(env, err)
	}
	return ackIfCorrelated(env)
}

func (h *Handler) publish(env *types.Envelope) Result {
	if env.Topic == "" {
		return failure(env, types.ErrInvalidArgument, "publish requires a topic")
	}

	targets := h.store.PublishTargets(env.Topic)
	// Subscribers get the stamped copy when history is enabled
	env, _ = h.store.Record(env, h.now())
	if h.onPublish != nil {
		h.onPublish(env, len(targets))
	}

	if len(targets) == 0 {
		return Result{}
	}
	out := make([]Outbound, 0, len(targets))
	for _, id := range targets {
		out = append(out, Outbound{To: id, Env: env})
	}
	return Result{Out: out}
}

func (h *Handler) request(env *types.Envelope) Result {
	switch {
	case env.Target.IsEmpty():
		return failure(env, types.ErrInvalidArgument, "request requires a target")
	case !env.Correlated:
		return failure(env, types.ErrInvalidArgument, "request requires a correlation id")
	}

	budget := env.Deadline
	if budget <= 0 {
		budget = h.cfg.DefaultDeadline
	}
	if budget > h.cfg.MaxDeadline {
		budget = h.cfg.MaxDeadline
	}

	now := h.now()
	if err := h.store.OpenRequest(env.Sender, env.Target, env.CorrelationID, now.Add(budget), now); err != nil {
		return storeFailure(env, err)
	}

	fwd := env
	if budget != env.Deadline {
		c := *env
		c.Deadline = budget
		fwd = &c
	}
	return Result{Out: []Outbound{{To: env.Target, Env: fwd}}}
}

// respond resolves a pending request. The envelope's Target is the original
// requester and its correlation id is the requester's.
func (h *Handler) respond(env *types.Envelope) Result {
	switch {
	case env.Target.IsEmpty():
		return failure(env, types.ErrInvalidArgument, fmt.Sprintf("%s requires a target", env.Kind))
	case !env.Correlated:
		return failure(env, types.ErrInvalidArgument, fmt.Sprintf("%s requires a correlation id", env.Kind))
	}

	if _, err := h.store.ResolveRequest(env.Target, env.CorrelationID, env.Sender); err != nil {
		return storeFailure(env, err)
	}
	return Result{Out: []Outbound{{To: env.Target, Env: env}}}
}

func (h *Handler) heartbeat(env *types.Envelope) Result {
	h.store.Touch(env.Sender, h.now())
	return Result{Out: reply(&types.Envelope{
		Kind:          types.KindHeartbeat,
		Sender:        types.PlaneID,
		Target:        env.Sender,
		CorrelationID: env.CorrelationID,
		Correlated:    env.Correlated,
	})}
}

// replay sends the requester the buffered publishes selected by the
// Replay: Topic may be a pattern, a non-empty Target keeps only publishes
// from that sender, Seq is the exclusive cursor, and Limit caps the count.
// Replayed copies are addressed to the requester and carry the Replay's
// correlation id, which tells them apart from live publishes.
func (h *Handler) replay(env *types.Envelope) Result {
	switch {
	case !h.store.HistoryEnabled():
		return failure(env, types.ErrUnavailable, "topic history is disabled")
	case env.Topic == "":
		return failure(env, types.ErrInvalidArgument, "replay requires a topic")
	}

	found := h.store.Query(store.HistoryQuery{
		Topic:    env.Topic,
		Sender:   env.Target,
		AfterSeq: env.Seq,
		Limit:    int(env.Limit),
	})
	out := make([]Outbound, 0, len(found)+1)
	for _, e := range found {
		c := *e
		c.Target = env.Sender
		c.CorrelationID = env.CorrelationID
		c.Correlated = env.Correlated
		out = append(out, Outbound{Origin: true, Env: &c})
	}
	if env.Correlated {
		out = append(out, Outbound{Origin: true, Env: types.AckReply(env)})
	}
	return Result{Out: out}
}

func reply(env *types.Envelope) []Outbound {
	return []Outbound{{Origin: true, Env: env}}
}

func failure(env *types.Envelope, code types.ErrorCode, detail string) Result {
	return Result{Out: reply(types.ErrorReply(env, code, detail))}
}

func storeFailure(env *types.Envelope, err error) Result {
	detail := err.Error()
	var e *types.Error
	if errors.As(err, &e) {
		detail = e.Message
	}
	return failure(env, types.PlaneCode(err), detail)
}

func ackIfCorrelated(env *types.Envelope) Result {
	if !env.Correlated {
		return Result{}
	}
	return Result{Out: reply(types.AckReply(env))}
}

func cancellations(orphaned []store.PendingRequest) []Outbound {
	if len(orphaned) == 0 {
		return nil
	}
	out := make([]Outbound, 0, len(orphaned))
	for _, req := range orphaned {
		out = append(out, Outbound{
			To:  req.Requester,
			Env: types.NewErrorEnvelope(req.Requester, types.ErrUnknownTarget, "target disconnected", req.CorrelationID, true),
		})
	}
	return out
}
