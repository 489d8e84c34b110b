package store

import (
	"sort"
	"time"

	"github.com/baaaht/msgplane/pkg/types"
)

// ring is a fixed-capacity buffer of the most recent publishes on a topic,
// oldest first. Entries are stamped, so Seq increases along the ring.
type ring struct {
	buf   []*types.Envelope
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*types.Envelope, capacity)}
}

func (r *ring) push(env *types.Envelope) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = env
		r.n++
		return
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) *types.Envelope {
	return r.buf[(r.start+i)%len(r.buf)]
}

// HistoryQuery selects buffered publishes. Topic may be a pattern (see
// types.Topic.Matches). An empty Sender matches every publisher. Only
// publishes with Seq greater than AfterSeq are selected.
type HistoryQuery struct {
	Topic    types.Topic
	Sender   types.PluginID
	AfterSeq uint64
	Limit    int
}

func (q HistoryQuery) matches(env *types.Envelope) bool {
	return env.Seq > q.AfterSeq && (q.Sender.IsEmpty() || env.Sender == q.Sender)
}

// HistoryEnabled reports whether publishes are buffered for replay
func (s *Store) HistoryEnabled() bool {
	return s.cfg.HistorySize > 0
}

// Record buffers a routed publish for later replay. The buffered copy is
// stamped with the next store sequence number and the publish time, and is
// returned so it can be routed in place of env. Publishes on new topics are
// not recorded once MaxTopics topics have history.
func (s *Store) Record(env *types.Envelope, now time.Time) (*types.Envelope, bool) {
	if s.cfg.HistorySize <= 0 || env.Topic == "" {
		return env, false
	}

	s.mu.Lock()
	r, ok := s.history[env.Topic]
	if !ok {
		if len(s.history) >= s.cfg.MaxTopics {
			s.mu.Unlock()
			s.logger.Debug("History topic limit reached, publish not recorded", "topic", env.Topic)
			return env, false
		}
		r = newRing(s.cfg.HistorySize)
		s.history[env.Topic] = r
	}
	s.seq++
	stamped := *env
	stamped.Seq = s.seq
	stamped.Timestamp = now.Truncate(time.Millisecond).UTC()
	r.push(&stamped)
	s.mu.Unlock()
	return &stamped, true
}

// LastSeq returns the sequence number of the newest recorded publish
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Recent returns up to limit buffered publishes on topic, oldest first.
// A limit of zero, or one above the replay cap, is clamped to the cap.
func (s *Store) Recent(topic types.Topic, limit int) []*types.Envelope {
	return s.Query(HistoryQuery{Topic: topic, Limit: limit})
}

// Query returns the newest buffered publishes selected by q, up to its
// limit, in sequence order. The limit is clamped like Recent's.
func (s *Store) Query(q HistoryQuery) []*types.Envelope {
	limit := q.Limit
	if limit <= 0 || limit > s.cfg.ReplayMaxLimit {
		limit = s.cfg.ReplayMaxLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rings []*ring
	if q.Topic.IsPattern() {
		for topic, r := range s.history {
			if q.Topic.Matches(topic) {
				rings = append(rings, r)
			}
		}
	} else if r, ok := s.history[q.Topic]; ok {
		rings = append(rings, r)
	}
	if len(rings) == 0 {
		return nil
	}

	var out []*types.Envelope
	for _, r := range rings {
		// Walk newest first so a small limit stops early on one topic
		taken := 0
		for i := r.n - 1; i >= 0 && taken < limit; i-- {
			env := r.at(i)
			if env.Seq <= q.AfterSeq {
				break
			}
			if q.matches(env) {
				out = append(out, env)
				taken++
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
