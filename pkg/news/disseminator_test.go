package news

import (
	"context"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/gossip/gossiptest"
)

var (
	addrA = gossip.Addr{ID: "A"}
	addrB = gossip.Addr{ID: "B"}
	addrC = gossip.Addr{ID: "C"}
)

func ranked(a gossip.Addr, rank int) gossip.RankedNeighbor {
	return gossip.RankedNeighbor{Addr: a, View: gossip.View{Rank: rank, NodeID: a.ID}}
}

type fakeMonitor struct{ reqs []gossip.MonitorRequest }

func (f *fakeMonitor) Request(r gossip.MonitorRequest) { f.reqs = append(f.reqs, r) }

type cluster struct {
	bus   *gossiptest.Bus
	nodes map[gossip.NodeID]*Disseminator
}

func newCluster(cfgs ...Config) *cluster {
	c := &cluster{bus: gossiptest.NewBus(), nodes: make(map[gossip.NodeID]*Disseminator)}
	for _, cfg := range cfgs {
		cfg.Sender = c.bus.Sender(cfg.Self)
		d := New(cfg)
		c.nodes[cfg.Self.ID] = d
		c.bus.Attach(cfg.Self.ID, func(env gossip.Envelope) { d.handle(env) })
	}
	return c
}

func (c *cluster) leader(l gossip.Addr) {
	for _, d := range c.nodes {
		d.handle(gossip.LeaderUpdate{Leader: l})
	}
}

func TestGossipConvergence(t *testing.T) {
	c := newCluster(
		Config{Self: addrA, Originate: true, MaxOriginations: 1},
		Config{Self: addrB},
		Config{Self: addrC},
	)
	c.leader(addrA)

	// C only ever pulls from B, B only from A
	samples := map[gossip.NodeID]gossip.Sample{
		"A": {Neighbors: []gossip.RankedNeighbor{ranked(addrB, 2), ranked(addrC, 1)}},
		"B": {Neighbors: []gossip.RankedNeighbor{ranked(addrA, 3), ranked(addrC, 1)}},
		"C": {Neighbors: []gossip.RankedNeighbor{ranked(addrB, 2)}},
	}
	item := gossip.ItemID{Origin: "A", Seq: 1}
	for round := 0; round < 4; round++ {
		for _, id := range []gossip.NodeID{"C", "B", "A"} {
			c.nodes[id].handle(samples[id])
		}
		c.bus.Flush(1000)
	}

	for id, d := range c.nodes {
		if !d.items.Has(item) {
			t.Fatalf("%s does not know %s", id, item)
		}
		if d.items.Len() != 1 {
			t.Fatalf("%s knows %d items, want 1", id, d.items.Len())
		}
	}
	if n := len(c.nodes["A"].unconfirmed); n != 0 {
		t.Fatalf("A has %d unconfirmed items", n)
	}
	if c.nodes["A"].originated != 1 {
		t.Fatalf("originated = %d, want 1", c.nodes["A"].originated)
	}
}

func TestUnconfirmedPingIsResentUntilConfirmed(t *testing.T) {
	c := newCluster(
		Config{Self: addrA, Originate: true, MaxOriginations: 1, Observer: true, Population: 2},
		Config{Self: addrB},
	)
	c.leader(addrB)
	dropped := 0
	c.bus.Drop = func(env gossip.Envelope) bool {
		if env.Type == gossip.MsgPing && dropped == 0 {
			dropped++
			return true
		}
		return false
	}
	a := c.nodes["A"]
	s := gossip.Sample{Neighbors: []gossip.RankedNeighbor{ranked(addrB, 1)}}

	a.handle(s)
	c.bus.Flush(100)
	if len(a.unconfirmed) != 1 {
		t.Fatalf("unconfirmed = %d after lost ping, want 1", len(a.unconfirmed))
	}

	a.handle(s)
	c.bus.Flush(100)
	if len(a.unconfirmed) != 0 {
		t.Fatalf("unconfirmed = %d after resend, want 0", len(a.unconfirmed))
	}
	if !c.nodes["B"].items.Has(gossip.ItemID{Origin: "A", Seq: 1}) {
		t.Fatalf("leader never learned the item")
	}
	// B confirmed the ping, A confirmed its own item when it came back in a push
	st := a.stats()
	if st.Coverage != 100 || st.Knowledge != 100 {
		t.Fatalf("coverage=%v knowledge=%v, want 100 and 100", st.Coverage, st.Knowledge)
	}
}

func TestPingIngestionIsIdempotent(t *testing.T) {
	var published []gossip.View
	out := gossiptest.NewRecorder(addrB)
	d := New(Config{Self: addrB, Sender: out, PublishView: func(v gossip.View) { published = append(published, v) }})

	ping := gossip.NewPing(gossip.Ping{Origin: addrA, Seq: 5, TTL: 3})
	ping.From = addrA
	d.handle(ping)
	known, view := d.items.Len(), d.view
	d.handle(ping)

	if d.items.Len() != known || d.view != view {
		t.Fatalf("second delivery changed state: known %d->%d view %v->%v", known, d.items.Len(), view, d.view)
	}
	if len(published) != 1 || published[0].Rank != 1 {
		t.Fatalf("published = %v, want one view of rank 1", published)
	}
	pongs := out.Of(gossip.MsgPong)
	if len(pongs) != 2 || pongs[0].To.ID != "A" || pongs[0].Env.Pong.Seq != 5 {
		t.Fatalf("pongs = %+v", pongs)
	}
}

func TestDuplicatePongKeepsCounters(t *testing.T) {
	d := New(Config{Self: addrA, Sender: gossiptest.NewRecorder(addrA), Observer: true, Population: 3})
	pong := gossip.NewPong(5)
	pong.From = addrB
	d.handle(pong)
	cov, know := d.coverageStats()
	d.handle(pong)
	cov2, know2 := d.coverageStats()
	if cov != cov2 || know != know2 {
		t.Fatalf("duplicate pong changed stats: %v/%v -> %v/%v", cov, know, cov2, know2)
	}
	if len(d.coverage[5]) != 1 {
		t.Fatalf("confirmers = %d, want 1", len(d.coverage[5]))
	}
}

func TestPushConfirmsOwnItemTransitively(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	d := New(Config{Self: addrA, Sender: out, Originate: true, MaxOriginations: 1})
	d.handle(gossip.LeaderUpdate{Leader: addrB})
	d.handle(gossip.Sample{Neighbors: []gossip.RankedNeighbor{ranked(addrC, 1)}})
	if len(d.unconfirmed) != 1 {
		t.Fatalf("unconfirmed = %d, want 1", len(d.unconfirmed))
	}
	out.Take()

	item := Item{ID: gossip.ItemID{Origin: "A", Seq: 1}, Origin: addrA, TTL: DefaultTTL}
	other := Item{ID: gossip.ItemID{Origin: "C", Seq: 4}, Origin: addrC}
	store := NewItems()
	store.Add(item)
	store.Add(other)
	push := gossip.NewNewsPush(store.Push())
	push.From = addrC
	d.handle(push)

	if len(d.unconfirmed) != 0 {
		t.Fatalf("own item still unconfirmed")
	}
	if d.items.Len() != 2 || d.view.Rank != 2 {
		t.Fatalf("known=%d rank=%d, want 2 and 2", d.items.Len(), d.view.Rank)
	}
	pongs := out.Of(gossip.MsgPong)
	if len(pongs) != 2 {
		t.Fatalf("pongs = %d, want one per new item", len(pongs))
	}

	d.handle(push)
	if n := len(out.Of(gossip.MsgPong)); n != 2 {
		t.Fatalf("known items were confirmed again: %d pongs", n)
	}
}

func TestIdleWithoutLeader(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	fd := &fakeMonitor{}
	d := New(Config{Self: addrA, Sender: out, Monitor: fd, Originate: true})
	d.handle(gossip.Sample{
		Neighbors: []gossip.RankedNeighbor{ranked(addrB, 2)},
		Fingers:   []gossip.RankedNeighbor{ranked(addrC, 1), ranked(addrA, 9)},
	})
	if sent := out.Take(); len(sent) != 0 {
		t.Fatalf("sent %d envelopes without a leader", len(sent))
	}
	if len(fd.reqs) != 1 || fd.reqs[0].Requester != "news" {
		t.Fatalf("monitor requests = %+v", fd.reqs)
	}
	if got := fd.reqs[0].Nodes.IDs(); len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("watched = %v, want [B C]", got)
	}
}

func TestPullSkipsSuspectedAcquaintance(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	d := New(Config{Self: addrA, Sender: out})
	d.handle(gossip.LeaderUpdate{Leader: addrB})
	d.handle(gossip.Indication{Kind: gossip.Suspect, Node: addrB})
	d.handle(gossip.Sample{Neighbors: []gossip.RankedNeighbor{ranked(addrB, 5), ranked(addrC, 1)}})

	pulls := out.Of(gossip.MsgNewsPull)
	if len(pulls) != 1 || pulls[0].To.ID != "C" {
		t.Fatalf("pulls = %+v, want one to C", pulls)
	}
}

func TestOriginationLimit(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	d := New(Config{Self: addrA, Sender: out, Originate: true, MaxOriginations: 2})
	d.handle(gossip.LeaderUpdate{Leader: addrB})
	for i := 0; i < 5; i++ {
		d.handle(gossip.Sample{})
	}
	if d.originated != 2 || d.nextSeq != 2 {
		t.Fatalf("originated=%d nextSeq=%d, want 2", d.originated, d.nextSeq)
	}
	// two originations plus resends of what is still unconfirmed
	if n := len(out.Of(gossip.MsgPing)); n != 1+2+2+2+2 {
		t.Fatalf("pings = %d", n)
	}
}

func TestRunPublishesInitialBiasedView(t *testing.T) {
	views := make(chan gossip.View, 4)
	d := New(Config{
		Self:        addrC,
		Sender:      gossiptest.NewRecorder(addrC),
		Bias:        450,
		PublishView: func(v gossip.View) { views <- v },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case v := <-views:
		if v.Rank != 450 || v.NodeID != "C" {
			t.Fatalf("initial view = %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial view")
	}

	st, err := d.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.View.Rank != 450 || st.Known != 0 || st.Observer {
		t.Fatalf("stats = %+v", st)
	}
}
