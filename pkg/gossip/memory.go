package gossip

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

const defaultInboxSize = 1024

// MemoryNetwork connects in-process transports. Delivery is asynchronous and
// lossy on purpose: sends never block, a full inbox drops the envelope, and
// loss, duplication, partitions and crashes can be injected at runtime.
type MemoryNetwork struct {
	mu      sync.RWMutex
	inboxes map[NodeID]chan Envelope
	blocked map[link]struct{}
	crashed map[NodeID]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
	loss  float64
	dup   float64

	inboxSize int
}

type link struct{ from, to NodeID }

type MemoryOption func(*MemoryNetwork)

// WithLoss drops each envelope with probability p.
func WithLoss(p float64) MemoryOption { return func(n *MemoryNetwork) { n.loss = p } }

// WithDuplication delivers each envelope twice with probability p.
func WithDuplication(p float64) MemoryOption { return func(n *MemoryNetwork) { n.dup = p } }

func WithSeed(seed int64) MemoryOption {
	return func(n *MemoryNetwork) { n.rng = rand.New(rand.NewSource(seed)) }
}

func WithInboxSize(size int) MemoryOption { return func(n *MemoryNetwork) { n.inboxSize = size } }

func NewMemoryNetwork(opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		inboxes:   make(map[NodeID]chan Envelope),
		blocked:   make(map[link]struct{}),
		crashed:   make(map[NodeID]struct{}),
		rng:       rand.New(rand.NewSource(1)),
		inboxSize: defaultInboxSize,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join registers self and returns its transport. Joining an id twice
// replaces the earlier inbox.
func (n *MemoryNetwork) Join(self Addr) *MemoryTransport {
	inbox := make(chan Envelope, n.inboxSize)
	n.mu.Lock()
	n.inboxes[self.ID] = inbox
	n.mu.Unlock()
	return &MemoryTransport{net: n, self: self, inbox: inbox}
}

func (n *MemoryNetwork) leave(id NodeID, inbox chan Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.inboxes[id]; ok && cur == inbox {
		delete(n.inboxes, id)
		close(inbox)
	}
}

// Block cuts the link between a and b in both directions.
func (n *MemoryNetwork) Block(a, b NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{a, b}] = struct{}{}
	n.blocked[link{b, a}] = struct{}{}
}

func (n *MemoryNetwork) Heal(a, b NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, link{a, b})
	delete(n.blocked, link{b, a})
}

// Crash isolates id: it neither sends nor receives until Recover.
func (n *MemoryNetwork) Crash(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.crashed[id] = struct{}{}
}

func (n *MemoryNetwork) Recover(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.crashed, id)
}

func (n *MemoryNetwork) SetLoss(p float64) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	n.loss = p
}

func (n *MemoryNetwork) roll() (drop bool, copies int) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	if n.loss > 0 && n.rng.Float64() < n.loss {
		return true, 0
	}
	if n.dup > 0 && n.rng.Float64() < n.dup {
		return false, 2
	}
	return false, 1
}

func (n *MemoryNetwork) deliver(env Envelope) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, down := n.crashed[env.From.ID]; down {
		return nil
	}
	if _, down := n.crashed[env.To.ID]; down {
		return nil
	}
	if _, cut := n.blocked[link{env.From.ID, env.To.ID}]; cut {
		return nil
	}
	inbox, ok := n.inboxes[env.To.ID]
	if !ok {
		return ErrUnknownPeer
	}
	drop, copies := n.roll()
	if drop {
		return nil
	}
	for i := 0; i < copies; i++ {
		select {
		case inbox <- env:
		default:
			return ErrInboxFull
		}
	}
	return nil
}

// MemoryTransport is one node's attachment to a MemoryNetwork.
type MemoryTransport struct {
	net    *MemoryNetwork
	self   Addr
	inbox  chan Envelope
	closed atomic.Bool
}

func (t *MemoryTransport) Self() Addr { return t.self }

func (t *MemoryTransport) Inbox() <-chan Envelope { return t.inbox }

func (t *MemoryTransport) Send(to Addr, env Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}
	env.From = t.self
	env.To = to
	env.Version = SchemaVersion
	return t.net.deliver(env)
}

func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.net.leave(t.self.ID, t.inbox)
	return nil
}
