// Package overlay supplies the protocol components with ranked neighbor
// samples. It is a small stand-in for a gradient overlay: every node links
// to the highest ranked peers it knows of plus its successors on a
// consistent hash ring.
package overlay

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/ring"
)

const (
	DefaultFanout = 4
	DefaultPeriod = time.Second
)

type Config struct {
	Self    gossip.Addr
	Fanout  int
	Period  time.Duration
	Compare gossip.Comparator
	// Publish propagates the local view to other nodes' overlays.
	Publish func(gossip.View)
	Logger  *zap.Logger
}

type Overlay struct {
	self    gossip.Addr
	fanout  int
	period  time.Duration
	cmp     gossip.Comparator
	publish func(gossip.View)
	log     *zap.Logger

	ring    *ring.HashRing
	samples chan gossip.Sample

	mu       sync.RWMutex
	views    map[gossip.NodeID]gossip.View
	selfView gossip.View
}

func New(cfg Config) *Overlay {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Compare == nil {
		cfg.Compare = gossip.CompareViews
	}
	if cfg.Publish == nil {
		cfg.Publish = func(gossip.View) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Overlay{
		self:     cfg.Self,
		fanout:   cfg.Fanout,
		period:   cfg.Period,
		cmp:      cfg.Compare,
		publish:  cfg.Publish,
		log:      cfg.Logger.With(zap.String("component", "overlay")),
		ring:     ring.New(0, nil),
		samples:  make(chan gossip.Sample, 1),
		views:    make(map[gossip.NodeID]gossip.View),
		selfView: gossip.View{NodeID: cfg.Self.ID},
	}
}

// AddPeer puts a peer on the ring. The local node is never added.
func (o *Overlay) AddPeer(a gossip.Addr) {
	if a.ID == o.self.ID || a.IsZero() {
		return
	}
	o.ring.Add(a)
}

func (o *Overlay) RemovePeer(id gossip.NodeID) { o.ring.Remove(id) }

// SetPeers replaces the peer set.
func (o *Overlay) SetPeers(peers []gossip.Addr) {
	o.ring.Clear()
	for _, p := range peers {
		o.AddPeer(p)
	}
}

func (o *Overlay) Peers() []gossip.Addr {
	nodes := o.ring.Nodes()
	out := make([]gossip.Addr, 0, len(nodes))
	for _, a := range nodes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return gossip.CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

// ObserveView records the view another node published.
func (o *Overlay) ObserveView(v gossip.View) {
	if v.NodeID == o.self.ID || v.NodeID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views[v.NodeID] = v
}

// PublishView records the local view and forwards it to the Publish hook.
func (o *Overlay) PublishView(v gossip.View) {
	o.mu.Lock()
	o.selfView = v
	o.mu.Unlock()
	o.log.Debug("publishing view", zap.Stringer("view", v))
	o.publish(v)
}

// Sample builds a fresh sample: neighbors are the Fanout highest ranked
// peers, fingers the Fanout ring successors of the local id.
func (o *Overlay) Sample() gossip.Sample {
	o.mu.RLock()
	defer o.mu.RUnlock()

	peers := o.ring.Nodes()
	all := make([]gossip.RankedNeighbor, 0, len(peers))
	for id, a := range peers {
		all = append(all, gossip.RankedNeighbor{Addr: a, View: o.viewOf(id)})
	}
	sort.Slice(all, func(i, j int) bool { return o.cmp(all[i].View, all[j].View) > 0 })
	if len(all) > o.fanout {
		all = all[:o.fanout]
	}

	succ := o.ring.Successors(o.self.ID, o.fanout)
	fingers := make([]gossip.RankedNeighbor, len(succ))
	for i, a := range succ {
		fingers[i] = gossip.RankedNeighbor{Addr: a, View: o.viewOf(a.ID)}
	}
	return gossip.Sample{Self: o.selfView, Neighbors: all, Fingers: fingers}
}

// viewOf must be called with mu held.
func (o *Overlay) viewOf(id gossip.NodeID) gossip.View {
	if v, ok := o.views[id]; ok {
		return v
	}
	return gossip.View{NodeID: id}
}

func (o *Overlay) Samples() <-chan gossip.Sample { return o.samples }

// Run emits a sample every period until ctx is done. A sample the consumer
// has not picked up yet is replaced by the newer one.
func (o *Overlay) Run(ctx context.Context) {
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := o.Sample()
			select {
			case o.samples <- s:
			default:
				select {
				case <-o.samples:
				default:
				}
				select {
				case o.samples <- s:
				default:
				}
				o.log.Debug("consumer behind, replaced pending sample")
			}
		}
	}
}

// Board shares published views between overlays living in one process.
type Board struct {
	mu       sync.RWMutex
	overlays []*Overlay
}

func NewBoard() *Board { return &Board{} }

func (b *Board) Join(o *Overlay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overlays = append(b.overlays, o)
}

func (b *Board) Publish(v gossip.View) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.overlays {
		o.ObserveView(v)
	}
}
