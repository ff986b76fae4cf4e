// Package monitor implements an eventually perfect failure detector driven by
// heartbeat rounds. A node missing a round is suspected; hearing from a
// suspected node restores it and stretches the round delay so that the same
// mistake becomes less likely.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

// DefaultBaseDelta is the initial round delay and the increment applied after
// every false suspicion.
const DefaultBaseDelta = 2 * time.Second

type Config struct {
	Self      gossip.Addr
	BaseDelta time.Duration
	Sender    gossip.Sender
	Scheduler gossip.Scheduler
	// Emit receives Suspect and Restore indications on the monitor's goroutine.
	Emit   func(gossip.Indication)
	Logger *zap.Logger
}

// Snapshot is a copy of the detector state for diagnostics.
type Snapshot struct {
	Watched    []string      `json:"watched"`
	Suspected  []string      `json:"suspected"`
	Delay      time.Duration `json:"delay"`
	Generation uint64        `json:"generation"`
}

type roundTimeout struct{ gen uint64 }

type snapshotRequest struct{ reply chan Snapshot }

// Monitor owns its state; every method other than Run only posts to the
// mailbox and is safe to call from any goroutine.
type Monitor struct {
	self  gossip.Addr
	base  time.Duration
	send  gossip.Sender
	sched gossip.Scheduler
	emit  func(gossip.Indication)
	log   *zap.Logger

	mailbox *gossip.Mailbox[any]

	requests  map[string]gossip.AddrSet
	allNodes  gossip.AddrSet
	alive     gossip.AddrSet
	suspected gossip.AddrSet
	delay     time.Duration
	gen       uint64
	started   bool
}

func New(cfg Config) *Monitor {
	if cfg.BaseDelta <= 0 {
		cfg.BaseDelta = DefaultBaseDelta
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = gossip.SystemScheduler{}
	}
	if cfg.Emit == nil {
		cfg.Emit = func(gossip.Indication) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Monitor{
		self:      cfg.Self,
		base:      cfg.BaseDelta,
		send:      cfg.Sender,
		sched:     cfg.Scheduler,
		emit:      cfg.Emit,
		log:       cfg.Logger.With(zap.String("component", "monitor")),
		mailbox:   gossip.NewMailbox[any](),
		requests:  make(map[string]gossip.AddrSet),
		allNodes:  gossip.NewAddrSet(),
		alive:     gossip.NewAddrSet(),
		suspected: gossip.NewAddrSet(),
	}
}

// Request replaces the watch set of req.Requester.
func (m *Monitor) Request(req gossip.MonitorRequest) { m.mailbox.Put(req) }

// SetWatchSet is Request for a single anonymous requester.
func (m *Monitor) SetWatchSet(nodes gossip.AddrSet) {
	m.Request(gossip.MonitorRequest{Nodes: nodes})
}

// Deliver hands an inbound heartbeat envelope to the monitor.
func (m *Monitor) Deliver(env gossip.Envelope) { m.mailbox.Put(env) }

// Snapshot asks the running monitor for a copy of its state.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !m.mailbox.Put(snapshotRequest{reply: reply}) {
		return Snapshot{}, gossip.ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run processes events until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer m.mailbox.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.mailbox.Ready():
			for _, ev := range m.mailbox.Drain() {
				m.handle(ev)
			}
		}
	}
}

func (m *Monitor) handle(ev any) {
	switch ev := ev.(type) {
	case gossip.MonitorRequest:
		m.handleRequest(ev)
	case roundTimeout:
		m.handleTimeout(ev.gen)
	case gossip.Envelope:
		m.handleEnvelope(ev)
	case snapshotRequest:
		ev.reply <- m.snapshot()
	default:
		m.log.Warn("unexpected event", zap.Any("event", ev))
	}
}

func (m *Monitor) handleRequest(req gossip.MonitorRequest) {
	nodes := req.Nodes.Clone()
	nodes.Remove(m.self)
	if nodes.Len() == 0 {
		delete(m.requests, req.Requester)
	} else {
		m.requests[req.Requester] = nodes
	}

	next := gossip.NewAddrSet()
	for _, set := range m.requests {
		next = next.Union(set)
	}
	if m.started && next.Equal(m.allNodes) {
		return
	}

	// suspicions about nodes nobody watches any more are withdrawn
	for _, p := range m.suspected.Minus(next).Sorted() {
		m.suspected.Remove(p)
		m.log.Debug("dropping suspicion of unwatched node", zap.String("peer", string(p.ID)))
		m.emit(gossip.Indication{Kind: gossip.Restore, Node: p})
	}

	// newcomers start alive; retained nodes keep this round's evidence
	alive := gossip.NewAddrSet()
	for _, p := range next {
		if !m.allNodes.Has(p) || m.alive.Has(p) {
			alive.Add(p)
		}
	}
	m.allNodes = next
	m.alive = alive
	// only the first watch set starts at base; the learned delay survives
	// later changes
	if !m.started {
		m.started = true
		m.delay = m.base
	}
	m.log.Debug("watch set changed",
		zap.Strings("watched", m.allNodes.IDs()),
		zap.Duration("delay", m.delay))
	m.schedule()
}

func (m *Monitor) schedule() {
	m.gen++
	gen := m.gen
	m.sched.AfterFunc(m.delay, func() { m.mailbox.Put(roundTimeout{gen: gen}) })
}

func (m *Monitor) handleTimeout(gen uint64) {
	if gen != m.gen {
		m.log.Debug("stale round timeout", zap.Uint64("gen", gen), zap.Uint64("current", m.gen))
		return
	}
	if m.alive.Intersect(m.suspected).Len() > 0 {
		m.delay += m.base
		m.log.Info("false suspicion, increasing delay", zap.Duration("delay", m.delay))
	}
	for _, p := range m.allNodes.Sorted() {
		switch alive, suspected := m.alive.Has(p), m.suspected.Has(p); {
		case !alive && !suspected:
			m.suspected.Add(p)
			m.log.Info("suspect", zap.String("peer", string(p.ID)))
			m.emit(gossip.Indication{Kind: gossip.Suspect, Node: p})
		case alive && suspected:
			m.suspected.Remove(p)
			m.log.Info("restore", zap.String("peer", string(p.ID)))
			m.emit(gossip.Indication{Kind: gossip.Restore, Node: p})
		}
		if err := m.send.Send(p, gossip.NewHeartbeatRequest()); err != nil {
			m.log.Debug("heartbeat request failed", zap.String("peer", string(p.ID)), zap.Error(err))
		}
	}
	m.alive = gossip.NewAddrSet()
	m.schedule()
}

func (m *Monitor) handleEnvelope(env gossip.Envelope) {
	switch env.Type {
	case gossip.MsgHeartbeatRequest:
		if err := m.send.Send(env.From, gossip.NewHeartbeatReply()); err != nil {
			m.log.Debug("heartbeat reply failed", zap.String("peer", string(env.From.ID)), zap.Error(err))
		}
	case gossip.MsgHeartbeatReply:
		// replies from nodes outside the watch set are ignored
		if m.allNodes.Has(env.From) {
			m.alive.Add(env.From)
		}
	default:
		m.log.Debug("ignoring envelope", zap.String("type", env.Type.String()))
	}
}

func (m *Monitor) snapshot() Snapshot {
	return Snapshot{
		Watched:    m.allNodes.IDs(),
		Suspected:  m.suspected.IDs(),
		Delay:      m.delay,
		Generation: m.gen,
	}
}
