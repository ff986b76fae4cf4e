package leader

import (
	"testing"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/gossip/gossiptest"
)

var (
	addrA = gossip.Addr{ID: "A"}
	addrB = gossip.Addr{ID: "B"}
	addrC = gossip.Addr{ID: "C"}
	addrD = gossip.Addr{ID: "D"}
)

func ranked(a gossip.Addr, rank int) gossip.RankedNeighbor {
	return gossip.RankedNeighbor{Addr: a, View: gossip.View{Rank: rank, NodeID: a.ID}}
}

func sample(self gossip.Addr, rank int, neighbors ...gossip.RankedNeighbor) gossip.Sample {
	return gossip.Sample{Self: gossip.View{Rank: rank, NodeID: self.ID}, Neighbors: neighbors}
}

type fakeMonitor struct{ reqs []gossip.MonitorRequest }

func (f *fakeMonitor) Request(r gossip.MonitorRequest) { f.reqs = append(f.reqs, r) }

type peer struct {
	e       *Elector
	updates []gossip.LeaderUpdate
}

func newPeer(self gossip.Addr, send gossip.Sender, fd gossip.FailureDetector) *peer {
	p := &peer{}
	p.e = New(Config{
		Self:                  self,
		Sender:                send,
		Monitor:               fd,
		OnLeader:              func(u gossip.LeaderUpdate) { p.updates = append(p.updates, u) },
		SessionTimeoutSamples: 3,
	})
	return p
}

func phases(sent []gossiptest.Sent, phase gossip.Phase) []gossiptest.Sent {
	var out []gossiptest.Sent
	for _, s := range sent {
		if s.Env.Type == gossip.MsgLeader2PC && s.Env.Leader2PC.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

func targets(sent []gossiptest.Sent) map[gossip.NodeID]bool {
	out := make(map[gossip.NodeID]bool)
	for _, s := range sent {
		out[s.To.ID] = true
	}
	return out
}

func TestLeaderConvergesOnHighestView(t *testing.T) {
	bus := gossiptest.NewBus()
	var sent []gossip.Envelope
	peers := map[gossip.NodeID]*peer{}
	for _, a := range []gossip.Addr{addrA, addrB, addrC} {
		p := newPeer(a, bus.Sender(a), nil)
		peers[a.ID] = p
		bus.Attach(a.ID, func(env gossip.Envelope) {
			sent = append(sent, env)
			p.e.handle(env)
		})
	}

	peers["A"].e.handle(sample(addrA, 3, ranked(addrB, 2), ranked(addrC, 1)))
	peers["B"].e.handle(sample(addrB, 2, ranked(addrA, 3), ranked(addrC, 1)))
	peers["C"].e.handle(sample(addrC, 1, ranked(addrA, 3), ranked(addrB, 2)))
	bus.Flush(100)

	for id, p := range peers {
		if !p.e.hasLeader || p.e.leader.ID != "A" {
			t.Fatalf("%s trusts %v (has=%v), want A", id, p.e.leader, p.e.hasLeader)
		}
		if len(p.updates) != 1 {
			t.Fatalf("%s got %d leader updates, want 1", id, len(p.updates))
		}
	}

	canCommit := map[gossip.NodeID]bool{}
	var yes, doCommit int
	for _, env := range sent {
		if env.Type != gossip.MsgLeader2PC {
			continue
		}
		switch env.Leader2PC.Phase {
		case gossip.PhaseCanCommit:
			if env.From.ID != "A" {
				t.Fatalf("%s started an election", env.From.ID)
			}
			canCommit[env.To.ID] = true
		case gossip.PhaseYes:
			yes++
		case gossip.PhaseDoCommit:
			doCommit++
			if env.Leader2PC.Candidate.ID != "A" {
				t.Fatalf("doCommit for %s", env.Leader2PC.Candidate.ID)
			}
		case gossip.PhaseNo:
			t.Fatalf("unexpected No from %s", env.From.ID)
		}
	}
	if len(canCommit) != 2 || !canCommit["B"] || !canCommit["C"] {
		t.Fatalf("canCommit? sent to %v, want B and C", canCommit)
	}
	if yes != 2 || doCommit != 2 {
		t.Fatalf("yes=%d doCommit=%d, want 2 and 2", yes, doCommit)
	}
}

func TestSingleNoPreventsCommit(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	p := newPeer(addrA, out, nil)
	p.e.handle(sample(addrA, 3, ranked(addrB, 2), ranked(addrC, 1)))

	cc := phases(out.Take(), gossip.PhaseCanCommit)
	if len(cc) != 2 {
		t.Fatalf("canCommit? count = %d, want 2", len(cc))
	}
	sid := cc[0].Env.Leader2PC.Session

	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrB,
		Leader2PC: &gossip.Leader2PC{Session: sid, Phase: gossip.PhaseNo}})
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrC,
		Leader2PC: &gossip.Leader2PC{Session: sid, Phase: gossip.PhaseYes}})

	sent := out.Take()
	if n := len(phases(sent, gossip.PhaseDoCommit)); n != 0 {
		t.Fatalf("doCommit sent %d times after No", n)
	}
	if n := len(phases(sent, gossip.PhaseAbortCommit)); n != 2 {
		t.Fatalf("abortCommit sent %d times, want 2", n)
	}
	if p.e.hasLeader || len(p.updates) != 0 {
		t.Fatalf("leader state changed after abort: %v", p.e.leader)
	}
	if p.e.session != nil {
		t.Fatalf("session survived abort")
	}
}

func TestResponderVotesNoForLowerCandidate(t *testing.T) {
	out := gossiptest.NewRecorder(addrB)
	p := newPeer(addrB, out, nil)
	p.e.handle(sample(addrB, 2, ranked(addrA, 3), ranked(addrD, 10)))
	out.Take()

	view := gossip.View{Rank: 3, NodeID: "A"}
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrA,
		Leader2PC: &gossip.Leader2PC{Session: 4, Phase: gossip.PhaseCanCommit, View: &view}})
	votes := out.Take()
	if len(votes) != 1 || votes[0].Env.Leader2PC.Phase != gossip.PhaseNo || votes[0].Env.Leader2PC.Session != 4 {
		t.Fatalf("votes = %+v, want No for session 4", votes)
	}

	// once D is suspected nobody outranks A locally
	p.e.handle(gossip.Indication{Kind: gossip.Suspect, Node: addrD})
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrA,
		Leader2PC: &gossip.Leader2PC{Session: 5, Phase: gossip.PhaseCanCommit, View: &view}})
	votes = out.Take()
	if len(votes) != 1 || votes[0].Env.Leader2PC.Phase != gossip.PhaseYes {
		t.Fatalf("votes = %+v, want Yes", votes)
	}
}

func TestSuspectedNeighborsAreExcludedFromElection(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	p := newPeer(addrA, out, nil)
	s := sample(addrA, 3, ranked(addrB, 2), ranked(addrC, 1))

	p.e.handle(gossip.Indication{Kind: gossip.Suspect, Node: addrC})
	p.e.handle(s)
	cc := phases(out.Take(), gossip.PhaseCanCommit)
	if got := targets(cc); len(got) != 1 || !got["B"] {
		t.Fatalf("canCommit? targets = %v, want only B", got)
	}
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrB,
		Leader2PC: &gossip.Leader2PC{Session: cc[0].Env.Leader2PC.Session, Phase: gossip.PhaseYes}})
	if !p.e.hasLeader || p.e.leader.ID != "A" {
		t.Fatalf("A did not commit")
	}
	out.Take()

	p.e.handle(gossip.Indication{Kind: gossip.Restore, Node: addrC})
	p.e.handle(s)
	cc = phases(out.Take(), gossip.PhaseCanCommit)
	if got := targets(cc); len(got) != 2 || !got["B"] || !got["C"] {
		t.Fatalf("canCommit? targets after restore = %v, want B and C", got)
	}
}

func TestOutstandingSessionIsSupersededAfterTimeout(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	p := newPeer(addrA, out, nil)
	s := sample(addrA, 3, ranked(addrB, 2))

	p.e.handle(s)
	first := p.e.session.id
	p.e.handle(s)
	p.e.handle(s)
	if p.e.session.id != first {
		t.Fatalf("session replaced before timeout")
	}
	if n := len(phases(out.Take(), gossip.PhaseCanCommit)); n != 1 {
		t.Fatalf("canCommit? sent %d times while outstanding, want 1", n)
	}

	p.e.handle(s)
	if p.e.session.id != first+1 {
		t.Fatalf("session = %d, want %d", p.e.session.id, first+1)
	}

	// a late Yes for the superseded session does nothing
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrB,
		Leader2PC: &gossip.Leader2PC{Session: first, Phase: gossip.PhaseYes}})
	if p.e.hasLeader || p.e.session.unconfirmed.Len() != 1 {
		t.Fatalf("stale vote was counted")
	}
}

func TestLoneNodeTrustsItself(t *testing.T) {
	out := gossiptest.NewRecorder(addrA)
	p := newPeer(addrA, out, nil)
	p.e.handle(sample(addrA, 0))
	if !p.e.hasLeader || p.e.leader.ID != "A" || p.e.session != nil {
		t.Fatalf("lone node: leader=%v has=%v session=%v", p.e.leader, p.e.hasLeader, p.e.session)
	}
}

func TestAllNeighborsSuspectedNeverAnnouncesCommit(t *testing.T) {
	bus := gossiptest.NewBus()
	a := newPeer(addrA, bus.Sender(addrA), nil)
	c := newPeer(addrC, bus.Sender(addrC), nil)
	bus.Attach("A", func(env gossip.Envelope) { a.e.handle(env) })
	bus.Attach("C", func(env gossip.Envelope) { c.e.handle(env) })

	c.e.handle(gossip.Indication{Kind: gossip.Suspect, Node: addrA})
	c.e.handle(sample(addrC, 0, ranked(addrA, 500)))
	bus.Flush(100)

	if !c.e.hasLeader || c.e.leader.ID != "C" || c.e.session != nil {
		t.Fatalf("isolated node: leader=%v has=%v session=%v", c.e.leader, c.e.hasLeader, c.e.session)
	}
	if c.e.sessionID != 0 {
		t.Fatalf("session id = %d, want no session started", c.e.sessionID)
	}
	if a.e.hasLeader {
		t.Fatalf("higher ranked A adopted %v", a.e.leader)
	}

	// once A is restored C pulls and learns A's leader instead
	a.e.handle(sample(addrA, 500))
	c.e.handle(gossip.Indication{Kind: gossip.Restore, Node: addrA})
	c.e.handle(sample(addrC, 0, ranked(addrA, 500)))
	bus.Flush(100)
	if c.e.leader.ID != "A" || a.e.leader.ID != "A" {
		t.Fatalf("after restore: A trusts %v, C trusts %v", a.e.leader, c.e.leader)
	}
}

func TestWarmupDelaysAction(t *testing.T) {
	out := gossiptest.NewRecorder(addrB)
	fd := &fakeMonitor{}
	e := New(Config{Self: addrB, Sender: out, Monitor: fd, WarmupSamples: 2})
	s := sample(addrB, 1, ranked(addrA, 3))

	e.handle(s)
	e.handle(s)
	if len(out.Take()) != 0 || len(fd.reqs) != 0 {
		t.Fatalf("acted during warm-up")
	}
	e.handle(s)
	pulls := out.Of(gossip.MsgLeaderPull)
	if len(pulls) != 1 || pulls[0].To.ID != "A" {
		t.Fatalf("pulls = %+v, want one to A", pulls)
	}
	if len(fd.reqs) != 1 || fd.reqs[0].Requester != "leader" || !fd.reqs[0].Nodes.Has(addrA) {
		t.Fatalf("monitor requests = %+v", fd.reqs)
	}
}

func TestPullPushAndDoCommitAdoption(t *testing.T) {
	out := gossiptest.NewRecorder(addrB)
	p := newPeer(addrB, out, nil)

	p.e.handle(gossip.Envelope{Type: gossip.MsgLeaderPull, From: addrC})
	if len(out.Take()) != 0 {
		t.Fatalf("pushed without a leader")
	}

	p.e.handle(gossip.Envelope{Type: gossip.MsgLeaderPush, From: addrA, LeaderPush: &gossip.LeaderPush{Leader: addrA}})
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeaderPush, From: addrC, LeaderPush: &gossip.LeaderPush{Leader: addrA}})
	if len(p.updates) != 1 {
		t.Fatalf("updates = %d, want 1 for a repeated leader", len(p.updates))
	}

	p.e.handle(gossip.Envelope{Type: gossip.MsgLeaderPull, From: addrC})
	pushes := out.Take()
	if len(pushes) != 1 || pushes[0].To.ID != "C" || pushes[0].Env.LeaderPush.Leader.ID != "A" {
		t.Fatalf("pushes = %+v", pushes)
	}

	// doCommit is adopted without any session of our own
	p.e.handle(gossip.Envelope{Type: gossip.MsgLeader2PC, From: addrD,
		Leader2PC: &gossip.Leader2PC{Session: 99, Phase: gossip.PhaseDoCommit, Candidate: &addrD}})
	if p.e.leader.ID != "D" || len(p.updates) != 2 {
		t.Fatalf("leader = %v after doCommit, updates=%d", p.e.leader, len(p.updates))
	}
}

func TestMonitorRequestIncludesLeader(t *testing.T) {
	out := gossiptest.NewRecorder(addrC)
	fd := &fakeMonitor{}
	e := New(Config{Self: addrC, Sender: out, Monitor: fd})
	e.handle(gossip.Envelope{Type: gossip.MsgLeaderPush, From: addrB, LeaderPush: &gossip.LeaderPush{Leader: addrA}})
	e.handle(sample(addrC, 1, ranked(addrB, 2)))

	if len(fd.reqs) != 1 {
		t.Fatalf("requests = %d", len(fd.reqs))
	}
	if got := fd.reqs[0].Nodes.IDs(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("watched = %v, want [A B]", got)
	}
}
