package store

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, mutate ...func(*config.StoreConfig)) *Store {
	t.Helper()
	cfg := config.DefaultStoreConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	return s
}

func peerOf(id types.PluginID) types.PeerHandle {
	return types.PeerHandle("peer-" + string(id))
}

func mustRegister(t *testing.T, s *Store, ids ...types.PluginID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.Register(id, peerOf(id), epoch))
	}
}

// checkSubscriptionInvariant asserts no topic references an unregistered identity.
func checkSubscriptionInvariant(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, subs := range s.topics {
		assert.NotEmpty(t, subs, "empty topic %q left behind", topic)
		for id := range subs {
			_, ok := s.plugins[id]
			assert.True(t, ok, "topic %q references disconnected %q", topic, id)
		}
	}
}

func TestNewStore(t *testing.T) {
	_, err := New(config.StoreConfig{MaxTopics: 0}, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	s, err := New(config.StoreConfig{MaxTopics: 1}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultReplayMaxLimit, s.cfg.ReplayMaxLimit)
}

func TestRegisterConflict(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Register("A", "p1", epoch))
	err := s.Register("A", "p2", epoch)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.PlaneCode(err))

	// The original binding survives
	peer, ok := s.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, types.PeerHandle("p1"), peer)
	assert.True(t, s.Bound("A", "p1"))
	assert.False(t, s.Bound("A", "p2"))

	_, removed := s.UnregisterPeer("A", "p1")
	require.True(t, removed)
	assert.NoError(t, s.Register("A", "p2", epoch))

	assert.Equal(t, types.ErrInvalidArgument, types.PlaneCode(s.Register("", "p3", epoch)))
}

func TestUnregisterIdempotent(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A")

	orphaned, removed := s.UnregisterPeer("A", peerOf("A"))
	assert.Nil(t, orphaned)
	assert.True(t, removed)
	orphaned, removed = s.UnregisterPeer("A", peerOf("A"))
	assert.Nil(t, orphaned)
	assert.False(t, removed)
	_, removed = s.UnregisterPeer("never", peerOf("never"))
	assert.False(t, removed)
	_, ok := s.Lookup("A")
	assert.False(t, ok)
}

func TestUnregisterPeerGuardsRebinding(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Register("A", "old", epoch))
	_, removed := s.UnregisterPeer("A", "old")
	require.True(t, removed)
	require.NoError(t, s.Register("A", "new", epoch))

	_, removed = s.UnregisterPeer("A", "old")
	assert.False(t, removed)
	assert.True(t, s.Bound("A", "new"))

	_, removed = s.UnregisterPeer("A", "new")
	assert.True(t, removed)
	assert.Empty(t, s.Plugins())
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B")

	require.NoError(t, s.Subscribe("B", "news"))
	require.NoError(t, s.Subscribe("B", "news"))
	require.NoError(t, s.Subscribe("A", "news"))
	assert.Equal(t, []types.PluginID{"A", "B"}, s.PublishTargets("news"))
	assert.Equal(t, []types.Topic{"news"}, s.Subscriptions("B"))

	require.NoError(t, s.Unsubscribe("A", "news"))
	require.NoError(t, s.Unsubscribe("A", "news"))
	require.NoError(t, s.Unsubscribe("A", "unknown"))
	assert.Equal(t, []types.PluginID{"B"}, s.PublishTargets("news"))
	assert.Nil(t, s.PublishTargets("empty"))

	assert.Equal(t, types.ErrUnauthorized, types.PlaneCode(s.Subscribe("ghost", "news")))
	assert.Equal(t, types.ErrUnauthorized, types.PlaneCode(s.Unsubscribe("ghost", "news")))
	assert.Equal(t, types.ErrInvalidArgument, types.PlaneCode(s.Subscribe("A", "")))
}

func TestSubscribeTopicLimit(t *testing.T) {
	s := newTestStore(t, func(c *config.StoreConfig) { c.MaxTopics = 2 })
	mustRegister(t, s, "A")

	require.NoError(t, s.Subscribe("A", "t1"))
	require.NoError(t, s.Subscribe("A", "t2"))
	assert.Equal(t, types.ErrResourceExhausted, types.PlaneCode(s.Subscribe("A", "t3")))

	// Existing topics still accept subscribers, and freed slots are reusable
	mustRegister(t, s, "B")
	require.NoError(t, s.Subscribe("B", "t1"))
	require.NoError(t, s.Unsubscribe("A", "t2"))
	assert.NoError(t, s.Subscribe("A", "t3"))
}

func TestPublishTargetsSnapshot(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B", "C")
	require.NoError(t, s.Subscribe("A", "t"))
	require.NoError(t, s.Subscribe("B", "t"))

	snap := s.PublishTargets("t")
	require.NoError(t, s.Subscribe("C", "t"))
	assert.Equal(t, []types.PluginID{"A", "B"}, snap)
}

func TestOpenRequest(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B")
	deadline := epoch.Add(2 * time.Second)

	require.NoError(t, s.OpenRequest("A", "B", 7, deadline, epoch))
	assert.Equal(t, types.ErrConflict, types.PlaneCode(s.OpenRequest("A", "B", 7, deadline, epoch)))

	// Correlation ids are scoped by requester
	require.NoError(t, s.OpenRequest("B", "A", 7, deadline, epoch))

	err := s.OpenRequest("A", "nobody", 8, deadline, epoch)
	assert.Equal(t, types.ErrUnknownTarget, types.PlaneCode(err))
	assert.Len(t, s.Pending(), 2, "unknown target must not create a pending request")

	assert.Equal(t, types.ErrUnauthorized, types.PlaneCode(s.OpenRequest("ghost", "A", 1, deadline, epoch)))
}

func TestResolveRequestAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B", "C")
	require.NoError(t, s.OpenRequest("A", "B", 7, epoch.Add(time.Second), epoch))

	_, err := s.ResolveRequest("A", 7, "C")
	assert.Equal(t, types.ErrNotFound, types.PlaneCode(err), "only the target may resolve")

	req, err := s.ResolveRequest("A", 7, "B")
	require.NoError(t, err)
	assert.Equal(t, types.PluginID("A"), req.Requester)
	assert.Equal(t, uint64(7), req.CorrelationID)

	_, err = s.ResolveRequest("A", 7, "B")
	assert.Equal(t, types.ErrNotFound, types.PlaneCode(err))
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B")
	require.NoError(t, s.OpenRequest("A", "B", 1, epoch.Add(3*time.Second), epoch))
	require.NoError(t, s.OpenRequest("A", "B", 2, epoch.Add(1*time.Second), epoch))
	require.NoError(t, s.OpenRequest("A", "B", 3, epoch.Add(10*time.Second), epoch))

	assert.Empty(t, s.SweepExpired(epoch))

	expired := s.SweepExpired(epoch.Add(3 * time.Second))
	require.Len(t, expired, 2)
	assert.Equal(t, uint64(2), expired[0].CorrelationID)
	assert.Equal(t, uint64(1), expired[1].CorrelationID)

	// Each expiry is reported exactly once
	assert.Empty(t, s.SweepExpired(epoch.Add(3*time.Second)))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(3), pending[0].CorrelationID)

	_, err := s.ResolveRequest("A", 1, "B")
	assert.Equal(t, types.ErrNotFound, types.PlaneCode(err))
}

func TestUnregisterCancelsRequests(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B", "C")
	require.NoError(t, s.Subscribe("A", "t"))
	require.NoError(t, s.OpenRequest("A", "B", 1, epoch.Add(time.Second), epoch)) // A waits on B
	require.NoError(t, s.OpenRequest("C", "A", 2, epoch.Add(time.Second), epoch)) // C waits on A

	orphaned, _ := s.UnregisterPeer("A", peerOf("A"))
	require.Len(t, orphaned, 1)
	assert.Equal(t, types.PluginID("C"), orphaned[0].Requester)
	assert.Equal(t, uint64(2), orphaned[0].CorrelationID)

	assert.Empty(t, s.Pending())
	assert.Nil(t, s.PublishTargets("t"))

	// B's late response to A's request finds nothing
	_, err := s.ResolveRequest("A", 1, "B")
	assert.Equal(t, types.ErrNotFound, types.PlaneCode(err))
	checkSubscriptionInvariant(t, s)
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A")

	later := epoch.Add(time.Minute)
	s.Touch("A", later)
	info, ok := s.Plugin("A")
	require.True(t, ok)
	assert.Equal(t, later, info.LastSeen)
	assert.Equal(t, epoch, info.RegisteredAt)

	s.Touch("ghost", later)
	_, ok = s.Plugin("ghost")
	assert.False(t, ok)
}

func TestPlugins(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Register("B", "p2", epoch))
	require.NoError(t, s.Register("A", "p1", epoch))
	require.NoError(t, s.Subscribe("A", "sports"))
	require.NoError(t, s.Subscribe("A", "news"))
	require.NoError(t, s.OpenRequest("A", "B", 1, epoch.Add(time.Second), epoch))
	require.NoError(t, s.OpenRequest("A", "B", 2, epoch.Add(time.Second), epoch))

	plugins := s.Plugins()
	require.Len(t, plugins, 2)

	assert.Equal(t, types.PluginID("A"), plugins[0].ID)
	assert.Equal(t, types.PeerHandle("p1"), plugins[0].Peer)
	assert.Equal(t, []types.Topic{"news", "sports"}, plugins[0].Subscriptions)
	assert.Equal(t, 2, plugins[0].Pending)

	assert.Equal(t, types.PluginID("B"), plugins[1].ID)
	assert.Empty(t, plugins[1].Subscriptions)
	assert.Zero(t, plugins[1].Pending)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "A", "B")
	require.NoError(t, s.Subscribe("A", "t1"))
	require.NoError(t, s.Subscribe("B", "t1"))
	require.NoError(t, s.Subscribe("B", "t2"))
	require.NoError(t, s.OpenRequest("A", "B", 1, epoch.Add(time.Second), epoch))

	st := s.Stats()
	assert.Equal(t, Stats{Registered: 2, Topics: 2, Subscriptions: 3, Pending: 1}, st)
	assert.Contains(t, st.String(), "Registered: 2")
}

// Random register/unregister/subscribe sequences never leave a dangling
// subscription.
func TestSubscriptionInvariantRandomized(t *testing.T) {
	s := newTestStore(t, func(c *config.StoreConfig) { c.MaxTopics = 8 })
	rng := rand.New(rand.NewSource(1))
	ids := []types.PluginID{"a", "b", "c", "d", "e"}
	topics := []types.Topic{"t0", "t1", "t2", "t3"}

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(4) {
		case 0:
			_ = s.Register(id, peerOf(id), epoch)
		case 1:
			s.UnregisterPeer(id, peerOf(id))
		case 2:
			_ = s.Subscribe(id, topics[rng.Intn(len(topics))])
		case 3:
			_ = s.Unsubscribe(id, topics[rng.Intn(len(topics))])
		}
		if i%50 == 0 {
			checkSubscriptionInvariant(t, s)
		}
	}
	checkSubscriptionInvariant(t, s)
}

func TestConcurrentStorm(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				id := types.PluginID(fmt.Sprintf("p%d-%d", w, i%5))
				peer := peerOf(id)
				_ = s.Register(id, peer, epoch)
				_ = s.Subscribe(id, types.Topic(fmt.Sprintf("t%d", i%3)))
				_ = s.OpenRequest(id, "p0-0", uint64(i), epoch.Add(time.Second), epoch)
				_ = s.PublishTargets("t1")
				if i%2 == 0 {
					s.UnregisterPeer(id, peer)
				}
			}
		}(w)
	}
	wg.Wait()

	checkSubscriptionInvariant(t, s)
	for _, req := range s.Pending() {
		_, ok := s.Lookup(req.Requester)
		assert.True(t, ok, "pending request from unregistered %q", req.Requester)
	}
}
