package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/codec"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/types"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []message
	err     error
	release chan struct{}
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) sent() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func closeMirror(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestNewRequiresPublisher(t *testing.T) {
	_, err := New(nil, "p", codec.DefaultLimits(), nil, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestMirrorPublishes(t *testing.T) {
	pub := &fakePublisher{}
	m, err := New(pub, "msgplane.publish.", codec.DefaultLimits(), nil, logger.NewNop())
	require.NoError(t, err)

	env := &types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "sensors.temp", Payload: []byte("21.5")}
	m.Mirror(env)
	closeMirror(t, m)

	sent := pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "msgplane.publish.sensors.temp", sent[0].subject)

	got, err := codec.Decode(sent[0].data, codec.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.Equal(t, Stats{Published: 1}, m.Stats())
}

func TestMirrorFailuresCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	met, err := metrics.New(reg)
	require.NoError(t, err)

	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	m, err := New(pub, "p", codec.DefaultLimits(), met, logger.NewNop())
	require.NoError(t, err)

	m.Mirror(&types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"})
	m.Mirror(&types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"})
	closeMirror(t, m)

	assert.Equal(t, uint64(2), m.Stats().Failed)
	expected := `
# HELP msgplane_mirror_failures_total Publishes that could not be mirrored to NATS.
# TYPE msgplane_mirror_failures_total counter
msgplane_mirror_failures_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "msgplane_mirror_failures_total"))
}

func TestMirrorDropsWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{release: make(chan struct{})}
	m, err := New(pub, "p", codec.DefaultLimits(), nil, logger.NewNop())
	require.NoError(t, err)

	env := &types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"}
	// One publish is held by the sender goroutine, QueueSize more fit
	for range QueueSize + 10 {
		m.Mirror(env)
	}
	assert.GreaterOrEqual(t, m.Stats().Dropped, uint64(9))

	close(pub.release)
	closeMirror(t, m)
	stats := m.Stats()
	assert.Equal(t, uint64(QueueSize+10), stats.Published+stats.Dropped)
}

func TestMirrorAfterClose(t *testing.T) {
	pub := &fakePublisher{}
	m, err := New(pub, "p", codec.DefaultLimits(), nil, logger.NewNop())
	require.NoError(t, err)
	closeMirror(t, m)
	closeMirror(t, m)

	assert.NotPanics(t, func() {
		m.Mirror(&types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"})
	})
	assert.Empty(t, pub.sent())
}

func TestCloseDeadline(t *testing.T) {
	pub := &fakePublisher{release: make(chan struct{})}
	defer close(pub.release)
	m, err := New(pub, "p", codec.DefaultLimits(), nil, logger.NewNop())
	require.NoError(t, err)
	m.Mirror(&types.Envelope{Kind: types.KindPublish, Sender: "A", Topic: "t"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Close(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		topic  types.Topic
		want   string
	}{
		{"msgplane.publish", "news", "msgplane.publish.news"},
		{"msgplane.publish", "a.b.c", "msgplane.publish.a.b.c"},
		{"msgplane.publish", "has space", "msgplane.publish.has_space"},
		{"msgplane.publish", "wild*card>", "msgplane.publish.wild_card_"},
		{"msgplane.publish", ".edge.", "msgplane.publish.edge"},
		{"msgplane.publish", "...", "msgplane.publish._"},
		{"", "news", "news"},
	}
	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.prefix, tt.topic))
		})
	}
}

func TestConnectUnreachable(t *testing.T) {
	cfg := config.DefaultBridgeConfig()
	cfg.NATSURL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Connect(ctx, cfg, codec.DefaultLimits(), nil, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
