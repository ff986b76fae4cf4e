package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/internal/telemetry"
	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/leader"
	"github.com/ryandielhenn/zephyrnews/pkg/monitor"
	"github.com/ryandielhenn/zephyrnews/pkg/news"
)

var ErrAlreadyStarted = errors.New("node already started")

// SampleSource feeds ranked neighbor samples and receives the local view.
type SampleSource interface {
	Samples() <-chan gossip.Sample
	PublishView(gossip.View)
}

type Config struct {
	Transport gossip.Transport
	Overlay   SampleSource
	Compare   gossip.Comparator
	Scheduler gossip.Scheduler

	BaseDelta             time.Duration
	WarmupSamples         int
	SessionTimeoutSamples int

	Originate       bool
	MaxOriginations int
	NewsTTL         int
	ViewBias        int
	Observer        bool
	Population      int

	Logger *zap.Logger
}

// Node wires the failure monitor, the leader elector and the news
// disseminator of one process and routes envelopes between them and the
// transport.
type Node struct {
	self      gossip.Addr
	transport gossip.Transport
	overlay   SampleSource
	log       *zap.Logger
	started   time.Time

	monitor *monitor.Monitor
	elector *leader.Elector
	news    *news.Disseminator

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	self := cfg.Transport.Self()
	log := cfg.Logger.With(zap.String("node", string(self.ID)))
	n := &Node{
		self:      self,
		transport: cfg.Transport,
		overlay:   cfg.Overlay,
		log:       log,
	}
	send := &countingSender{node: string(self.ID), next: cfg.Transport}

	n.monitor = monitor.New(monitor.Config{
		Self:      self,
		BaseDelta: cfg.BaseDelta,
		Sender:    send,
		Scheduler: cfg.Scheduler,
		Emit:      n.indicate,
		Logger:    log,
	})
	n.elector = leader.New(leader.Config{
		Self:                  self,
		Compare:               cfg.Compare,
		Sender:                send,
		Monitor:               n.monitor,
		OnLeader:              n.leaderChanged,
		WarmupSamples:         cfg.WarmupSamples,
		SessionTimeoutSamples: cfg.SessionTimeoutSamples,
		Logger:                log,
	})
	n.news = news.New(news.Config{
		Self:            self,
		Compare:         cfg.Compare,
		Sender:          send,
		Monitor:         n.monitor,
		PublishView:     n.publishView,
		Originate:       cfg.Originate,
		MaxOriginations: cfg.MaxOriginations,
		TTL:             cfg.NewsTTL,
		Bias:            cfg.ViewBias,
		Observer:        cfg.Observer,
		Population:      cfg.Population,
		Logger:          log,
	})
	return n
}

func (n *Node) Addr() gossip.Addr { return n.self }

// Start launches the component tasks, the envelope router and the sample
// pump. They run until Stop is called or ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyStarted
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.running = true
	n.started = time.Now()

	for _, run := range []func(context.Context){n.monitor.Run, n.elector.Run, n.news.Run, n.route, n.pumpSamples} {
		n.wg.Add(1)
		go func(run func(context.Context)) {
			defer n.wg.Done()
			run(ctx)
		}(run)
	}
	n.log.Info("node started", zap.String("endpoint", n.self.Endpoint))
	return nil
}

// Stop cancels the tasks, waits for them and closes the transport.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	n.wg.Wait()
	var err error
	err = multierr.Append(err, n.transport.Close())
	n.log.Info("node stopped", zap.Error(err))
	return err
}

func (n *Node) route(ctx context.Context) {
	inbox := n.transport.Inbox()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbox:
			if !ok {
				return
			}
			n.dispatch(env)
		}
	}
}

func (n *Node) dispatch(env gossip.Envelope) {
	if err := env.Validate(); err != nil {
		n.log.Debug("dropping envelope", zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(string(n.self.ID), env.Type.String()).Inc()
	switch env.Type {
	case gossip.MsgHeartbeatRequest, gossip.MsgHeartbeatReply:
		n.monitor.Deliver(env)
	case gossip.MsgLeader2PC, gossip.MsgLeaderPull, gossip.MsgLeaderPush:
		n.elector.Deliver(env)
	case gossip.MsgPing, gossip.MsgPong, gossip.MsgNewsPull, gossip.MsgNewsPush:
		n.news.Deliver(env)
	}
}

func (n *Node) pumpSamples(ctx context.Context) {
	if n.overlay == nil {
		return
	}
	samples := n.overlay.Samples()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			n.elector.Sample(s)
			n.news.Sample(s)
		}
	}
}

func (n *Node) indicate(ind gossip.Indication) {
	telemetry.Indications.WithLabelValues(string(n.self.ID), ind.Kind.String()).Inc()
	n.elector.Indicate(ind)
	n.news.Indicate(ind)
}

func (n *Node) leaderChanged(u gossip.LeaderUpdate) {
	telemetry.LeaderChanges.WithLabelValues(string(n.self.ID)).Inc()
	n.news.SetLeader(u)
}

func (n *Node) publishView(v gossip.View) {
	telemetry.ViewRank.WithLabelValues(string(n.self.ID)).Set(float64(v.Rank))
	if n.overlay != nil {
		n.overlay.PublishView(v)
	}
}

// Status is the combined state reported by /info.
type Status struct {
	Node     gossip.Addr      `json:"node"`
	Uptime   string           `json:"uptime"`
	Monitor  monitor.Snapshot `json:"monitor"`
	Election leader.Snapshot  `json:"election"`
	News     news.Stats       `json:"news"`
}

// Status queries the three components. It fails if the node is not running
// or ctx expires first.
func (n *Node) Status(ctx context.Context) (Status, error) {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()

	st := Status{Node: n.self, Uptime: time.Since(started).Round(time.Second).String()}
	var err, e error
	st.Monitor, e = n.monitor.Snapshot(ctx)
	err = multierr.Append(err, e)
	st.Election, e = n.elector.Snapshot(ctx)
	err = multierr.Append(err, e)
	st.News, e = n.news.Stats(ctx)
	err = multierr.Append(err, e)
	return st, err
}

// countingSender records per-type traffic before handing envelopes to the
// transport.
type countingSender struct {
	node string
	next gossip.Sender
}

func (s *countingSender) Send(to gossip.Addr, env gossip.Envelope) error {
	typ := env.Type.String()
	telemetry.MessagesSent.WithLabelValues(s.node, typ).Inc()
	err := s.next.Send(to, env)
	if err != nil {
		telemetry.SendErrors.WithLabelValues(s.node, typ).Inc()
	}
	return err
}
