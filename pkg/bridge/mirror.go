package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/codec"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/types"
)

// QueueSize is how many publishes may wait for the NATS connection before
// new ones are dropped
const QueueSize = 4096

// Publisher is the part of a NATS connection the mirror uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror copies routed publishes to NATS. Mirror never blocks the caller:
// publishes are queued and sent from a single goroutine, and a full queue
// drops the publish.
type Mirror struct {
	pub     Publisher
	conn    *nats.Conn
	prefix  string
	limits  codec.Limits
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu     sync.RWMutex
	queue  chan *types.Envelope
	closed bool
	done   chan struct{}

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Stats holds mirror counters
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// New creates a mirror that sends through pub
func New(pub Publisher, prefix string, limits codec.Limits, m *metrics.Metrics, log *logger.Logger) (*Mirror, error) {
	if pub == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "publisher cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	mr := &Mirror{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "."),
		limits:  limits,
		metrics: m,
		logger:  log.With("component", "nats_mirror"),
		queue:   make(chan *types.Envelope, QueueSize),
		done:    make(chan struct{}),
	}
	go mr.run()
	return mr, nil
}

// Connect dials NATS and returns a mirror publishing on that connection
func Connect(ctx context.Context, cfg config.BridgeConfig, limits codec.Limits, m *metrics.Metrics, log *logger.Logger) (*Mirror, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	mlog := log.With("component", "nats_mirror")

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				mlog.Warn("NATS connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			mlog.Info("NATS connection restored", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			mlog.Debug("NATS connection closed")
		}),
	}

	connected := make(chan error, 1)
	var conn *nats.Conn
	go func() {
		nc, err := nats.Connect(cfg.NATSURL, opts...)
		conn = nc
		connected <- err
	}()

	select {
	case err := <-connected:
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to NATS at "+cfg.NATSURL, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-connected; err == nil {
				conn.Close()
			}
		}()
		return nil, types.WrapError(types.ErrCodeCanceled, "NATS connect cancelled", ctx.Err())
	}

	mr, err := New(conn, cfg.SubjectPrefix, limits, m, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	mr.conn = conn
	mr.logger.Info("Publish mirror connected", "url", conn.ConnectedUrl(), "subject_prefix", mr.prefix)
	return mr, nil
}

// Mirror queues env for NATS
func (m *Mirror) Mirror(env *types.Envelope) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.queue <- env:
	default:
		m.dropped.Add(1)
		m.metrics.MirrorFailure()
		m.logger.Debug("Mirror queue full, dropping publish", "topic", env.Topic, "sender", env.Sender)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for env := range m.queue {
		m.send(env)
	}
}

func (m *Mirror) send(env *types.Envelope) {
	subject := Subject(m.prefix, env.Topic)
	data, err := codec.Encode(env, m.limits)
	if err == nil {
		err = m.pub.Publish(subject, data)
	}
	if err != nil {
		m.failed.Add(1)
		m.metrics.MirrorFailure()
		m.logger.Warn("Failed to mirror publish", "subject", subject, "sender", env.Sender, "error", err)
		return
	}
	m.published.Add(1)
}

// Close stops accepting publishes and sends what is queued until ctx
// ends. A NATS connection opened by Connect is flushed and closed.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	var err error
	select {
	case <-m.done:
	case <-ctx.Done():
		err = types.WrapError(types.ErrCodeCanceled,
			fmt.Sprintf("mirror closed with %d publishes unsent", len(m.queue)), ctx.Err())
	}

	if m.conn != nil {
		timeout := time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout > 0 {
			_ = m.conn.FlushTimeout(timeout)
		}
		m.conn.Close()
	}

	stats := m.Stats()
	m.logger.Info("Publish mirror closed",
		"published", stats.Published,
		"failed", stats.Failed,
		"dropped", stats.Dropped)
	return err
}

// Stats returns mirror counters
func (m *Mirror) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Subject returns the NATS subject for topic. Characters NATS treats as
// separators or wildcards inside a token are replaced with '_'; dots are
// kept so topic hierarchies map to subject hierarchies.
func Subject(prefix string, topic types.Topic) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '*', '>':
			return '_'
		}
		return r
	}, string(topic))
	token = strings.Trim(token, ".")
	if token == "" {
		token = "_"
	}
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}
