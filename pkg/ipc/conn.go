package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/baaaht/msgplane/pkg/types"
)

// ConnState is the lifecycle state of a plugin connection
type ConnState int32

const (
	// StateConnecting accepts only Register
	StateConnecting ConnState = iota
	// StateRegistered routes every kind
	StateRegistered
	// StateDraining reads nothing and flushes queued output
	StateDraining
	// StateClosed has released its identity
	StateClosed
)

// String returns the string representation of the state
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection is one accepted plugin connection. The reader goroutine owns
// inbound, the writer goroutine owns outbound, and the connection's shard
// owns identity and state transitions.
type connection struct {
	id        types.PeerHandle
	shard     int
	transport Transport
	createdAt time.Time
	limiter   *rate.Limiter

	state atomic.Int32

	mu       sync.Mutex
	identity types.PluginID
	out      chan []byte
	draining bool
	reason   string

	handshake *time.Timer
}

func newConnection(id types.PeerHandle, shard int, t Transport, queueSize int, limiter *rate.Limiter) *connection {
	return &connection{
		id:        id,
		shard:     shard,
		transport: t,
		createdAt: time.Now(),
		limiter:   limiter,
		out:       make(chan []byte, queueSize),
	}
}

// State returns the current lifecycle state
func (c *connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Identity returns the registered identity, if any
func (c *connection) Identity() types.PluginID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *connection) bind(id types.PluginID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identity = id
	if c.handshake != nil {
		c.handshake.Stop()
	}
	if !c.draining {
		c.setState(StateRegistered)
	}
}

// release clears the identity after the store dropped it
func (c *connection) release() types.PluginID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.identity
	c.identity = ""
	return id
}

// enqueue queues an encoded envelope without blocking. It reports false
// when the queue is full; envelopes offered after drain are dropped.
func (c *connection) enqueue(data []byte) (queued bool, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return false, false
	}
	select {
	case c.out <- data:
		return true, false
	default:
		return false, true
	}
}

// drain stops accepting output and lets the writer flush what is queued
// and close the transport. It reports whether this call started the drain.
func (c *connection) drain(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return false
	}
	c.draining = true
	c.reason = reason
	close(c.out)
	if c.State() < StateDraining {
		c.setState(StateDraining)
	}
	if c.handshake != nil {
		c.handshake.Stop()
	}
	return true
}

// Reason returns why the connection started draining
func (c *connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *connection) queued() int {
	return len(c.out)
}

func (c *connection) String() string {
	return fmt.Sprintf("Connection{ID: %s, Network: %s, State: %s, Identity: %s}",
		c.id, c.transport.Network(), c.State(), c.Identity())
}

// ConnectionInfo describes one open connection
type ConnectionInfo struct {
	ID        types.PeerHandle `json:"id"`
	Network   string           `json:"network"`
	Remote    string           `json:"remote"`
	State     string           `json:"state"`
	Identity  types.PluginID   `json:"identity,omitempty"`
	Queued    int              `json:"queued"`
	CreatedAt time.Time        `json:"created_at"`
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:        c.id,
		Network:   c.transport.Network(),
		Remote:    c.transport.RemoteAddr(),
		State:     c.State().String(),
		Identity:  c.Identity(),
		Queued:    c.queued(),
		CreatedAt: c.createdAt,
	}
}
