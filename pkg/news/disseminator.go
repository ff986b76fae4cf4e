// Package news spreads small announcements through the cluster. Originators
// hand each item to the current leader and keep retrying until someone
// confirms it; every node then pulls the full item set from its best ranked
// acquaintance, so knowledge spreads epidemically away from the leader.
package news

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

const (
	DefaultTTL = 10

	requester = "news"
)

type Config struct {
	Self    gossip.Addr
	Compare gossip.Comparator
	Sender  gossip.Sender
	Monitor gossip.FailureDetector
	// PublishView receives the local view whenever its rank changes.
	PublishView func(gossip.View)

	// Originate makes this node create one item per round once a leader is
	// known, up to MaxOriginations (zero means no limit).
	Originate       bool
	MaxOriginations int
	TTL             int
	// Bias is added to the known item count when ranking this node.
	Bias int
	// Observer keeps coverage and knowledge bookkeeping for Stats.
	Observer   bool
	Population int

	Logger *zap.Logger
}

// Stats summarizes the disseminator. Coverage and Knowledge are percentages
// and only filled in at an observer.
type Stats struct {
	View        gossip.View `json:"view"`
	Known       int         `json:"known"`
	Unconfirmed int         `json:"unconfirmed"`
	Originated  int         `json:"originated"`
	Leader      gossip.Addr `json:"leader"`
	HasLeader   bool        `json:"hasLeader"`
	Suspected   []string    `json:"suspected,omitempty"`

	Observer  bool    `json:"observer"`
	Coverage  float64 `json:"coverage,omitempty"`
	Knowledge float64 `json:"knowledge,omitempty"`
}

type statsRequest struct{ reply chan Stats }

type Disseminator struct {
	self      gossip.Addr
	cmp       gossip.Comparator
	send      gossip.Sender
	fd        gossip.FailureDetector
	publish   func(gossip.View)
	originate bool
	maxOrig   int
	ttl       int
	bias      int
	observer  bool
	pop       int
	log       *zap.Logger

	mailbox *gossip.Mailbox[any]

	leader        gossip.Addr
	hasLeader     bool
	acquaintances []gossip.RankedNeighbor
	suspected     gossip.AddrSet

	items       *Items
	unconfirmed map[gossip.ItemID]gossip.Ping
	nextSeq     int
	originated  int
	view        gossip.View
	published   bool

	// observer only
	coverage  map[int]map[gossip.NodeID]struct{}
	knowledge map[gossip.NodeID]map[int]struct{}
}

func New(cfg Config) *Disseminator {
	if cfg.Compare == nil {
		cfg.Compare = gossip.CompareViews
	}
	if cfg.PublishView == nil {
		cfg.PublishView = func(gossip.View) {}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d := &Disseminator{
		self:        cfg.Self,
		cmp:         cfg.Compare,
		send:        cfg.Sender,
		fd:          cfg.Monitor,
		publish:     cfg.PublishView,
		originate:   cfg.Originate,
		maxOrig:     cfg.MaxOriginations,
		ttl:         cfg.TTL,
		bias:        cfg.Bias,
		observer:    cfg.Observer,
		pop:         cfg.Population,
		log:         cfg.Logger.With(zap.String("component", "news")),
		mailbox:     gossip.NewMailbox[any](),
		suspected:   gossip.NewAddrSet(),
		items:       NewItems(),
		unconfirmed: make(map[gossip.ItemID]gossip.Ping),
	}
	if d.observer {
		d.coverage = make(map[int]map[gossip.NodeID]struct{})
		d.knowledge = make(map[gossip.NodeID]map[int]struct{})
	}
	return d
}

func (d *Disseminator) Sample(s gossip.Sample) { d.mailbox.Put(s) }

func (d *Disseminator) Indicate(ind gossip.Indication) { d.mailbox.Put(ind) }

func (d *Disseminator) SetLeader(u gossip.LeaderUpdate) { d.mailbox.Put(u) }

func (d *Disseminator) Deliver(env gossip.Envelope) { d.mailbox.Put(env) }

// Items exposes the known item set for read-only inspection.
func (d *Disseminator) Items() *Items { return d.items }

func (d *Disseminator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !d.mailbox.Put(statsRequest{reply: reply}) {
		return Stats{}, gossip.ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Run publishes the initial view and processes events until ctx is done.
func (d *Disseminator) Run(ctx context.Context) {
	defer d.mailbox.Close()
	d.refreshView()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.mailbox.Ready():
			for _, ev := range d.mailbox.Drain() {
				d.handle(ev)
			}
		}
	}
}

func (d *Disseminator) handle(ev any) {
	switch ev := ev.(type) {
	case gossip.Sample:
		d.handleSample(ev)
	case gossip.Indication:
		d.handleIndication(ev)
	case gossip.LeaderUpdate:
		d.leader, d.hasLeader = ev.Leader, true
		d.log.Debug("leader update", zap.String("leader", string(ev.Leader.ID)))
	case gossip.Envelope:
		d.handleEnvelope(ev)
	case statsRequest:
		ev.reply <- d.stats()
	default:
		d.log.Warn("unexpected event", zap.Any("event", ev))
	}
}

func (d *Disseminator) handleSample(s gossip.Sample) {
	d.acquaintances = gossip.Without(gossip.Merge(s.Fingers, s.Neighbors), d.self.ID)
	d.requestMonitoring()
	if !d.hasLeader {
		return
	}
	d.resend()
	d.pull()
	if d.originate && (d.maxOrig <= 0 || d.originated < d.maxOrig) {
		d.originateItem()
	}
}

func (d *Disseminator) requestMonitoring() {
	if d.fd == nil {
		return
	}
	nodes := gossip.AddressSet(d.acquaintances)
	if d.hasLeader && d.leader.ID != d.self.ID {
		nodes.Add(d.leader)
	}
	d.fd.Request(gossip.MonitorRequest{Requester: requester, Nodes: nodes})
}

func (d *Disseminator) resend() {
	ids := make([]gossip.ItemID, 0, len(d.unconfirmed))
	for id := range d.unconfirmed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Seq < ids[j].Seq })
	for _, id := range ids {
		d.sendTo(d.leader, gossip.NewPing(d.unconfirmed[id]))
	}
}

func (d *Disseminator) pull() {
	best, ok := gossip.HighestRanked(d.cmp, d.acquaintances, d.suspected)
	if !ok {
		return
	}
	d.sendTo(best.Addr, gossip.NewNewsPull())
}

func (d *Disseminator) originateItem() {
	d.nextSeq++
	p := gossip.Ping{Origin: d.self, Seq: d.nextSeq, TTL: d.ttl}
	d.unconfirmed[p.ID()] = p
	d.originated++
	if d.observer {
		d.coverage[p.Seq] = make(map[gossip.NodeID]struct{})
	}
	d.log.Info("originated item", zap.Stringer("item", p.ID()), zap.String("leader", string(d.leader.ID)))
	d.sendTo(d.leader, gossip.NewPing(p))
}

func (d *Disseminator) handleIndication(ind gossip.Indication) {
	switch ind.Kind {
	case gossip.Suspect:
		d.suspected.Add(ind.Node)
	case gossip.Restore:
		d.suspected.Remove(ind.Node)
	}
}

func (d *Disseminator) handleEnvelope(env gossip.Envelope) {
	switch env.Type {
	case gossip.MsgPing:
		d.handlePing(*env.Ping)
	case gossip.MsgPong:
		d.handlePong(env.From, env.Pong.Seq)
	case gossip.MsgNewsPull:
		d.sendTo(env.From, gossip.NewNewsPush(d.items.Push()))
	case gossip.MsgNewsPush:
		d.handlePush(*env.NewsPush)
	default:
		d.log.Debug("ignoring envelope", zap.String("type", env.Type.String()))
	}
}

func (d *Disseminator) handlePing(p gossip.Ping) {
	if d.items.Add(Item{ID: p.ID(), Origin: p.Origin, TTL: p.TTL}) {
		d.log.Debug("learned item", zap.Stringer("item", p.ID()))
		d.refreshView()
	}
	d.sendTo(p.Origin, gossip.NewPong(p.Seq))
}

func (d *Disseminator) handlePong(from gossip.Addr, seq int) {
	if d.observer {
		confirmers, ok := d.coverage[seq]
		if !ok {
			confirmers = make(map[gossip.NodeID]struct{})
			d.coverage[seq] = confirmers
		}
		confirmers[from.ID] = struct{}{}
		known, ok := d.knowledge[from.ID]
		if !ok {
			known = make(map[int]struct{})
			d.knowledge[from.ID] = known
		}
		known[seq] = struct{}{}
	}
	id := gossip.ItemID{Origin: d.self.ID, Seq: seq}
	if _, ok := d.unconfirmed[id]; ok {
		delete(d.unconfirmed, id)
		d.log.Info("item confirmed", zap.Stringer("item", id), zap.String("by", string(from.ID)))
	}
}

func (d *Disseminator) handlePush(p gossip.NewsPush) {
	learned := 0
	for _, it := range FromPush(p) {
		if !d.items.Add(it) {
			continue
		}
		learned++
		d.sendTo(it.Origin, gossip.NewPong(it.ID.Seq))
		if it.ID.Origin == d.self.ID {
			delete(d.unconfirmed, it.ID)
		}
	}
	if learned > 0 {
		d.log.Debug("learned items from push", zap.Int("count", learned), zap.Int("known", d.items.Len()))
		d.refreshView()
	}
}

// refreshView recomputes the local view and publishes it when it changed.
func (d *Disseminator) refreshView() {
	v := gossip.View{Rank: d.items.Len() + d.bias, NodeID: d.self.ID}
	if d.published && v == d.view {
		return
	}
	d.view, d.published = v, true
	d.publish(v)
}

func (d *Disseminator) sendTo(to gossip.Addr, env gossip.Envelope) {
	if err := d.send.Send(to, env); err != nil {
		d.log.Debug("send failed",
			zap.String("type", env.Type.String()),
			zap.String("peer", string(to.ID)),
			zap.Error(err))
	}
}

func (d *Disseminator) stats() Stats {
	s := Stats{
		View:        d.view,
		Known:       d.items.Len(),
		Unconfirmed: len(d.unconfirmed),
		Originated:  d.originated,
		Leader:      d.leader,
		HasLeader:   d.hasLeader,
		Suspected:   d.suspected.IDs(),
		Observer:    d.observer,
	}
	if d.observer {
		s.Coverage, s.Knowledge = d.coverageStats()
	}
	return s
}

// coverageStats averages, over originated items, the share of nodes that
// confirmed each one, and over confirming nodes, the share of items each one
// confirmed.
func (d *Disseminator) coverageStats() (coverage, knowledge float64) {
	pop := d.pop
	if pop <= 0 {
		pop = len(d.knowledge)
	}
	if pop == 0 || len(d.coverage) == 0 {
		return 0, 0
	}
	for _, confirmers := range d.coverage {
		coverage += 100 * float64(len(confirmers)) / float64(pop)
	}
	coverage /= float64(len(d.coverage))

	for _, known := range d.knowledge {
		knowledge += 100 * float64(len(known)) / float64(len(d.coverage))
	}
	knowledge /= float64(pop)
	return coverage, knowledge
}
