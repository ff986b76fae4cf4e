// Package leader elects the highest ranked reachable node. A node that ranks
// above every neighbor it does not suspect asks those neighbors to commit to
// it; a single No aborts the attempt, unanimous Yes makes it leader. Nodes
// that are not top ranked pull the leader from their best neighbor.
package leader

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

const (
	// DefaultWarmupSamples is how many overlay samples are ignored before
	// the elector starts acting.
	DefaultWarmupSamples = 5
	// DefaultSessionTimeoutSamples bounds how long an unanswered session
	// blocks a new one.
	DefaultSessionTimeoutSamples = 5

	requester = "leader"
)

type Config struct {
	Self    gossip.Addr
	Compare gossip.Comparator
	Sender  gossip.Sender
	Monitor gossip.FailureDetector
	// OnLeader is called on the elector's goroutine whenever the trusted
	// leader changes.
	OnLeader              func(gossip.LeaderUpdate)
	WarmupSamples         int
	SessionTimeoutSamples int
	Logger                *zap.Logger
}

type session struct {
	id          int
	unconfirmed gossip.AddrSet
	startedAt   int
}

type Snapshot struct {
	Leader      gossip.Addr `json:"leader"`
	HasLeader   bool        `json:"hasLeader"`
	Session     int         `json:"session"`
	Outstanding bool        `json:"outstanding"`
	Unconfirmed []string    `json:"unconfirmed,omitempty"`
	Suspected   []string    `json:"suspected,omitempty"`
	Samples     int         `json:"samples"`
}

type snapshotRequest struct{ reply chan Snapshot }

type Elector struct {
	self     gossip.Addr
	cmp      gossip.Comparator
	send     gossip.Sender
	fd       gossip.FailureDetector
	onLeader func(gossip.LeaderUpdate)
	warmup   int
	timeout  int
	log      *zap.Logger

	mailbox *gossip.Mailbox[any]

	samples   int
	selfView  gossip.View
	neighbors []gossip.RankedNeighbor
	suspected gossip.AddrSet

	leader    gossip.Addr
	hasLeader bool
	sessionID int
	session   *session
}

func New(cfg Config) *Elector {
	if cfg.Compare == nil {
		cfg.Compare = gossip.CompareViews
	}
	if cfg.OnLeader == nil {
		cfg.OnLeader = func(gossip.LeaderUpdate) {}
	}
	if cfg.WarmupSamples < 0 {
		cfg.WarmupSamples = DefaultWarmupSamples
	}
	if cfg.SessionTimeoutSamples <= 0 {
		cfg.SessionTimeoutSamples = DefaultSessionTimeoutSamples
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Elector{
		self:      cfg.Self,
		cmp:       cfg.Compare,
		send:      cfg.Sender,
		fd:        cfg.Monitor,
		onLeader:  cfg.OnLeader,
		warmup:    cfg.WarmupSamples,
		timeout:   cfg.SessionTimeoutSamples,
		log:       cfg.Logger.With(zap.String("component", "leader")),
		mailbox:   gossip.NewMailbox[any](),
		selfView:  gossip.View{NodeID: cfg.Self.ID},
		suspected: gossip.NewAddrSet(),
	}
}

func (e *Elector) Sample(s gossip.Sample) { e.mailbox.Put(s) }

func (e *Elector) Indicate(ind gossip.Indication) { e.mailbox.Put(ind) }

func (e *Elector) Deliver(env gossip.Envelope) { e.mailbox.Put(env) }

func (e *Elector) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !e.mailbox.Put(snapshotRequest{reply: reply}) {
		return Snapshot{}, gossip.ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (e *Elector) Run(ctx context.Context) {
	defer e.mailbox.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.mailbox.Ready():
			for _, ev := range e.mailbox.Drain() {
				e.handle(ev)
			}
		}
	}
}

func (e *Elector) handle(ev any) {
	switch ev := ev.(type) {
	case gossip.Sample:
		e.handleSample(ev)
	case gossip.Indication:
		e.handleIndication(ev)
	case gossip.Envelope:
		e.handleEnvelope(ev)
	case snapshotRequest:
		ev.reply <- e.snapshot()
	default:
		e.log.Warn("unexpected event", zap.Any("event", ev))
	}
}

func (e *Elector) handleSample(s gossip.Sample) {
	e.samples++
	e.neighbors = gossip.Without(s.Neighbors, e.self.ID)
	if s.Self.NodeID != "" {
		e.selfView = s.Self
	}
	if e.samples <= e.warmup {
		return
	}

	e.requestMonitoring()
	if e.isSelfTopRanked() {
		e.maybeStartElection()
		return
	}
	e.pullLeader()
}

func (e *Elector) requestMonitoring() {
	if e.fd == nil {
		return
	}
	nodes := gossip.AddressSet(e.neighbors)
	if e.hasLeader && e.leader.ID != e.self.ID {
		nodes.Add(e.leader)
	}
	e.fd.Request(gossip.MonitorRequest{Requester: requester, Nodes: nodes})
}

// isSelfTopRanked is true when no unsuspected neighbor ranks at or above the
// local view, including when there is no such neighbor at all.
func (e *Elector) isSelfTopRanked() bool {
	best, ok := gossip.HighestRanked(e.cmp, e.neighbors, e.suspected)
	return !ok || e.cmp(e.selfView, best.View) > 0
}

func (e *Elector) maybeStartElection() {
	if e.session != nil {
		age := e.samples - e.session.startedAt
		if age < e.timeout {
			e.log.Debug("election outstanding", zap.Int("session", e.session.id), zap.Int("age", age))
			return
		}
		e.log.Info("superseding unanswered election",
			zap.Int("session", e.session.id),
			zap.Strings("unconfirmed", e.session.unconfirmed.IDs()))
	}
	e.startElection()
}

func (e *Elector) startElection() {
	targets := gossip.AddressSet(e.neighbors).Minus(e.suspected)
	if targets.Len() == 0 && len(e.neighbors) > 0 {
		// Every neighbor is suspected and nobody can vote. Trust self
		// locally but never announce it with doCommit.
		e.session = nil
		e.log.Debug("all neighbors suspected", zap.Strings("suspected", e.suspected.IDs()))
		e.trustLeader(e.self)
		return
	}

	e.sessionID++
	e.session = &session{id: e.sessionID, unconfirmed: targets, startedAt: e.samples}
	e.log.Info("starting election",
		zap.Int("session", e.sessionID),
		zap.Stringer("view", e.selfView),
		zap.Strings("voters", targets.IDs()))

	if targets.Len() == 0 {
		e.commit()
		return
	}
	view := e.selfView
	msg := gossip.NewLeader2PC(gossip.Leader2PC{Session: e.sessionID, Phase: gossip.PhaseCanCommit, View: &view})
	if err := gossip.Broadcast(e.send, targets, msg); err != nil {
		e.log.Debug("canCommit broadcast incomplete", zap.Error(err))
	}
}

func (e *Elector) commit() {
	id := e.session.id
	e.session = nil
	self := e.self
	msg := gossip.NewLeader2PC(gossip.Leader2PC{Session: id, Phase: gossip.PhaseDoCommit, Candidate: &self})
	if err := gossip.Broadcast(e.send, gossip.AddressSet(e.neighbors), msg); err != nil {
		e.log.Debug("doCommit broadcast incomplete", zap.Error(err))
	}
	e.log.Info("election committed", zap.Int("session", id))
	e.trustLeader(e.self)
}

func (e *Elector) abort() {
	id := e.session.id
	e.session = nil
	msg := gossip.NewLeader2PC(gossip.Leader2PC{Session: id, Phase: gossip.PhaseAbortCommit})
	if err := gossip.Broadcast(e.send, gossip.AddressSet(e.neighbors), msg); err != nil {
		e.log.Debug("abortCommit broadcast incomplete", zap.Error(err))
	}
	e.log.Info("election aborted", zap.Int("session", id))
}

func (e *Elector) pullLeader() {
	best, ok := gossip.HighestRanked(e.cmp, e.neighbors, e.suspected)
	if !ok {
		return
	}
	if err := e.send.Send(best.Addr, gossip.NewLeaderPull()); err != nil {
		e.log.Debug("leader pull failed", zap.String("peer", string(best.Addr.ID)), zap.Error(err))
	}
}

func (e *Elector) handleIndication(ind gossip.Indication) {
	switch ind.Kind {
	case gossip.Suspect:
		e.suspected.Add(ind.Node)
	case gossip.Restore:
		e.suspected.Remove(ind.Node)
	}
}

func (e *Elector) handleEnvelope(env gossip.Envelope) {
	switch env.Type {
	case gossip.MsgLeader2PC:
		e.handle2PC(env.From, *env.Leader2PC)
	case gossip.MsgLeaderPull:
		if !e.hasLeader {
			return
		}
		if err := e.send.Send(env.From, gossip.NewLeaderPush(e.leader)); err != nil {
			e.log.Debug("leader push failed", zap.String("peer", string(env.From.ID)), zap.Error(err))
		}
	case gossip.MsgLeaderPush:
		e.trustLeader(env.LeaderPush.Leader)
	default:
		e.log.Debug("ignoring envelope", zap.String("type", env.Type.String()))
	}
}

func (e *Elector) handle2PC(from gossip.Addr, m gossip.Leader2PC) {
	switch m.Phase {
	case gossip.PhaseCanCommit:
		vote := gossip.PhaseYes
		if best, ok := gossip.HighestRanked(e.cmp, e.neighbors, e.suspected); ok && e.cmp(*m.View, best.View) < 0 {
			vote = gossip.PhaseNo
		}
		e.log.Debug("voting", zap.String("candidate", string(from.ID)), zap.Int("session", m.Session), zap.String("vote", string(vote)))
		if err := e.send.Send(from, gossip.NewLeader2PC(gossip.Leader2PC{Session: m.Session, Phase: vote})); err != nil {
			e.log.Debug("vote failed", zap.String("peer", string(from.ID)), zap.Error(err))
		}

	case gossip.PhaseYes:
		if !e.current(m.Session) {
			e.log.Debug("stale vote", zap.Int("session", m.Session))
			return
		}
		e.session.unconfirmed.Remove(from)
		if e.session.unconfirmed.Len() == 0 {
			e.commit()
		}

	case gossip.PhaseNo:
		if !e.current(m.Session) {
			e.log.Debug("stale vote", zap.Int("session", m.Session))
			return
		}
		e.log.Info("election rejected", zap.String("by", string(from.ID)))
		e.abort()

	case gossip.PhaseDoCommit:
		e.trustLeader(*m.Candidate)

	case gossip.PhaseAbortCommit:
		e.log.Debug("candidate aborted", zap.String("candidate", string(from.ID)), zap.Int("session", m.Session))
	}
}

func (e *Elector) current(id int) bool {
	return e.session != nil && e.session.id == id
}

func (e *Elector) trustLeader(addr gossip.Addr) {
	if e.hasLeader && e.leader.ID == addr.ID {
		return
	}
	e.leader, e.hasLeader = addr, true
	e.log.Info("leader changed", zap.String("leader", string(addr.ID)))
	e.onLeader(gossip.LeaderUpdate{Leader: addr})
}

func (e *Elector) snapshot() Snapshot {
	s := Snapshot{
		Leader:    e.leader,
		HasLeader: e.hasLeader,
		Session:   e.sessionID,
		Suspected: e.suspected.IDs(),
		Samples:   e.samples,
	}
	if e.session != nil {
		s.Outstanding = true
		s.Unconfirmed = e.session.unconfirmed.IDs()
	}
	return s
}
