package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

// PendingRequest is an open request awaiting a response
type PendingRequest struct {
	Requester     types.PluginID `json:"requester"`
	Target        types.PluginID `json:"target"`
	CorrelationID uint64         `json:"correlation_id"`
	Deadline      time.Time      `json:"deadline"`
	OpenedAt      time.Time      `json:"opened_at"`
}

// PluginInfo describes one registered identity
type PluginInfo struct {
	ID            types.PluginID   `json:"id"`
	Peer          types.PeerHandle `json:"peer"`
	RegisteredAt  time.Time        `json:"registered_at"`
	LastSeen      time.Time        `json:"last_seen"`
	Subscriptions []types.Topic    `json:"subscriptions"`
	Pending       int              `json:"pending"`
}

// requestKey scopes correlation ids by requester
type requestKey struct {
	requester types.PluginID
	corr      uint64
}

// plugin is the routing state held for one registered identity
type plugin struct {
	peer         types.PeerHandle
	registeredAt time.Time
	lastSeen     time.Time
}

// Stats is a point-in-time summary of the routing table
type Stats struct {
	Registered    int
	Topics        int
	Subscriptions int
	Pending       int
	HistoryTopics int
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("StoreStats{Registered: %d, Topics: %d, Subscriptions: %d, Pending: %d, HistoryTopics: %d}",
		s.Registered, s.Topics, s.Subscriptions, s.Pending, s.HistoryTopics)
}

// Store owns all routing state: registered identities, topic subscriptions,
// pending requests, and topic history. Every method takes the single store
// lock for its whole read-modify-write and never blocks on I/O.
type Store struct {
	mu      sync.Mutex
	cfg     config.StoreConfig
	logger  *logger.Logger
	plugins map[types.PluginID]*plugin
	topics  map[types.Topic]map[types.PluginID]struct{}
	pending map[requestKey]*PendingRequest
	history map[types.Topic]*ring
	seq     uint64
}

// New creates a new store
func New(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.MaxTopics <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max topics must be positive")
	}
	if cfg.ReplayMaxLimit <= 0 {
		cfg.ReplayMaxLimit = config.DefaultReplayMaxLimit
	}

	return &Store{
		cfg:     cfg,
		logger:  log.With("component", "store"),
		plugins: make(map[types.PluginID]*plugin),
		topics:  make(map[types.Topic]map[types.PluginID]struct{}),
		pending: make(map[requestKey]*PendingRequest),
		history: make(map[types.Topic]*ring),
	}, nil
}

// Register binds id to peer. A second registration of a connected id is
// rejected with CONFLICT; the existing binding is left untouched.
func (s *Store) Register(id types.PluginID, peer types.PeerHandle, now time.Time) error {
	if id.IsEmpty() {
		return types.NewPlaneError(types.ErrInvalidArgument, "identity cannot be empty")
	}

	s.mu.Lock()
	if _, ok := s.plugins[id]; ok {
		s.mu.Unlock()
		return types.NewPlaneError(types.ErrConflict, fmt.Sprintf("identity %q is already registered", id))
	}
	s.plugins[id] = &plugin{peer: peer, registeredAt: now, lastSeen: now}
	s.mu.Unlock()

	s.logger.Debug("Plugin registered", "plugin", id, "peer", peer)
	return nil
}

// UnregisterPeer removes id, its subscriptions, and every request it
// opened, but only while id is still bound to peer. It returns the open
// requests that targeted id so their requesters can be told, and reports
// whether anything was removed.
func (s *Store) UnregisterPeer(id types.PluginID, peer types.PeerHandle) ([]PendingRequest, bool) {
	s.mu.Lock()
	p, ok := s.plugins[id]
	if !ok || p.peer != peer {
		s.mu.Unlock()
		return nil, false
	}
	orphaned := s.removeLocked(id)
	s.mu.Unlock()

	s.logger.Debug("Plugin released", "plugin", id, "peer", peer, "orphaned_requests", len(orphaned))
	return orphaned, true
}

func (s *Store) removeLocked(id types.PluginID) []PendingRequest {
	delete(s.plugins, id)

	for topic, subs := range s.topics {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.topics, topic)
			}
		}
	}

	var orphaned []PendingRequest
	for key, req := range s.pending {
		switch {
		case req.Requester == id:
			delete(s.pending, key)
		case req.Target == id:
			delete(s.pending, key)
			orphaned = append(orphaned, *req)
		}
	}
	sortByDeadline(orphaned)
	return orphaned
}

// Lookup returns the connection bound to id
func (s *Store) Lookup(id types.PluginID) (types.PeerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	if !ok {
		return "", false
	}
	return p.peer, true
}

// Bound reports whether id is registered on peer
func (s *Store) Bound(id types.PluginID, peer types.PeerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	return ok && p.peer == peer
}

// Touch records activity for id
func (s *Store) Touch(id types.PluginID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.plugins[id]; ok {
		p.lastSeen = now
	}
}

// Plugin returns the routing state held for id
func (s *Store) Plugin(id types.PluginID) (PluginInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	if !ok {
		return PluginInfo{}, false
	}
	return s.infoLocked(id, p), true
}

// Plugins returns every registered identity in sorted order
func (s *Store) Plugins() []PluginInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PluginInfo, 0, len(s.plugins))
	for id, p := range s.plugins {
		out = append(out, s.infoLocked(id, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) infoLocked(id types.PluginID, p *plugin) PluginInfo {
	info := PluginInfo{
		ID:            id,
		Peer:          p.peer,
		RegisteredAt:  p.registeredAt,
		LastSeen:      p.lastSeen,
		Subscriptions: s.subscriptionsLocked(id),
	}
	for _, req := range s.pending {
		if req.Requester == id {
			info.Pending++
		}
	}
	return info
}

// Subscribe adds id to topic's subscribers. Subscribing twice is a no-op.
func (s *Store) Subscribe(id types.PluginID, topic types.Topic) error {
	if topic == "" {
		return types.NewPlaneError(types.ErrInvalidArgument, "topic cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plugins[id]; !ok {
		return types.NewPlaneError(types.ErrUnauthorized, fmt.Sprintf("identity %q is not registered", id))
	}

	subs, ok := s.topics[topic]
	if !ok {
		if len(s.topics) >= s.cfg.MaxTopics {
			return types.NewPlaneError(types.ErrResourceExhausted,
				fmt.Sprintf("topic limit of %d reached", s.cfg.MaxTopics))
		}
		subs = make(map[types.PluginID]struct{})
		s.topics[topic] = subs
	}
	subs[id] = struct{}{}
	return nil
}

// Unsubscribe removes id from topic's subscribers. Unsubscribing when not
// subscribed is a no-op.
func (s *Store) Unsubscribe(id types.PluginID, topic types.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plugins[id]; !ok {
		return types.NewPlaneError(types.ErrUnauthorized, fmt.Sprintf("identity %q is not registered", id))
	}

	if subs, ok := s.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	return nil
}

// PublishTargets returns a snapshot of topic's subscribers taken under the
// store lock, in sorted order
func (s *Store) PublishTargets(topic types.Topic) []types.PluginID {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]types.PluginID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscriptions returns the topics id is subscribed to, derived from the
// topic table on each call
func (s *Store) Subscriptions(id types.PluginID) []types.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionsLocked(id)
}

func (s *Store) subscriptionsLocked(id types.PluginID) []types.Topic {
	out := []types.Topic{}
	for topic, subs := range s.topics {
		if _, ok := subs[id]; ok {
			out = append(out, topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OpenRequest records a pending request from requester to target
func (s *Store) OpenRequest(requester, target types.PluginID, corr uint64, deadline, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plugins[requester]; !ok {
		return types.NewPlaneError(types.ErrUnauthorized, fmt.Sprintf("identity %q is not registered", requester))
	}
	key := requestKey{requester: requester, corr: corr}
	if _, ok := s.pending[key]; ok {
		return types.NewPlaneError(types.ErrConflict, fmt.Sprintf("correlation id %d is already open", corr))
	}
	if _, ok := s.plugins[target]; !ok {
		return types.NewPlaneError(types.ErrUnknownTarget, fmt.Sprintf("target %q is not registered", target))
	}

	s.pending[key] = &PendingRequest{
		Requester:     requester,
		Target:        target,
		CorrelationID: corr,
		Deadline:      deadline,
		OpenedAt:      now,
	}
	return nil
}

// ResolveRequest removes and returns the pending request (requester, corr).
// The responder must be the request's target. A missing entry or a
// mismatched responder yields NOT_FOUND, so each request resolves at most
// once.
func (s *Store) ResolveRequest(requester types.PluginID, corr uint64, responder types.PluginID) (PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{requester: requester, corr: corr}
	req, ok := s.pending[key]
	if !ok || req.Target != responder {
		return PendingRequest{}, types.NewPlaneError(types.ErrNotFound,
			fmt.Sprintf("no pending request %d from %q", corr, requester))
	}
	delete(s.pending, key)
	return *req, nil
}

// SweepExpired removes and returns every request whose deadline is at or
// before now, earliest deadline first
func (s *Store) SweepExpired(now time.Time) []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []PendingRequest
	for key, req := range s.pending {
		if !req.Deadline.After(now) {
			expired = append(expired, *req)
			delete(s.pending, key)
		}
	}
	sortByDeadline(expired)
	return expired
}

// Pending returns a copy of every open request, earliest deadline first
func (s *Store) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, *req)
	}
	sortByDeadline(out)
	return out
}

// Stats returns a summary of the routing table
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Registered:    len(s.plugins),
		Topics:        len(s.topics),
		Pending:       len(s.pending),
		HistoryTopics: len(s.history),
	}
	for _, subs := range s.topics {
		st.Subscriptions += len(subs)
	}
	return st
}

func sortByDeadline(reqs []PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].Deadline.Equal(reqs[j].Deadline) {
			return reqs[i].Deadline.Before(reqs[j].Deadline)
		}
		if reqs[i].Requester != reqs[j].Requester {
			return reqs[i].Requester < reqs[j].Requester
		}
		return reqs[i].CorrelationID < reqs[j].CorrelationID
	})
}
