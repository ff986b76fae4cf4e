// Package gossiptest provides deterministic stand-ins for the scheduler and
// transports so protocol handlers can be driven step by step.
package gossiptest

import (
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

// Scheduler records AfterFunc calls instead of arming timers.
type Scheduler struct {
	mu      sync.Mutex
	pending []Timer
}

type Timer struct {
	Delay time.Duration
	F     func()
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, Timer{Delay: d, F: f})
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Delays lists the delays of timers not yet fired, oldest first.
func (s *Scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.pending))
	for i, t := range s.pending {
		out[i] = t.Delay
	}
	return out
}

// FireAll runs every timer pending at the time of the call, oldest first.
// Timers armed while firing stay pending.
func (s *Scheduler) FireAll() int {
	s.mu.Lock()
	fire := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, t := range fire {
		t.F()
	}
	return len(fire)
}

// Sent is one envelope captured by a Recorder.
type Sent struct {
	To  gossip.Addr
	Env gossip.Envelope
}

// Recorder is a Sender that keeps what it was asked to send.
type Recorder struct {
	Self gossip.Addr

	mu   sync.Mutex
	sent []Sent
}

func NewRecorder(self gossip.Addr) *Recorder { return &Recorder{Self: self} }

func (r *Recorder) Send(to gossip.Addr, env gossip.Envelope) error {
	env.From = r.Self
	env.To = to
	env.Version = gossip.SchemaVersion
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Env: env})
	return nil
}

// Take returns everything recorded so far and forgets it.
func (r *Recorder) Take() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// Of filters recorded envelopes by type without consuming them.
func (r *Recorder) Of(t gossip.MsgType) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.Env.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// Bus is a stepped, synchronous network. Senders queue envelopes and Flush
// hands them to the attached handlers until the queue is empty.
type Bus struct {
	queue    []gossip.Envelope
	handlers map[gossip.NodeID]func(gossip.Envelope)

	// Drop, when set, discards envelopes for which it returns true.
	Drop func(gossip.Envelope) bool
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[gossip.NodeID]func(gossip.Envelope))}
}

func (b *Bus) Attach(id gossip.NodeID, h func(gossip.Envelope)) { b.handlers[id] = h }

func (b *Bus) Sender(self gossip.Addr) gossip.Sender {
	return gossip.SenderFunc(func(to gossip.Addr, env gossip.Envelope) error {
		env.From = self
		env.To = to
		env.Version = gossip.SchemaVersion
		b.queue = append(b.queue, env)
		return nil
	})
}

func (b *Bus) Pending() int { return len(b.queue) }

// Take removes queued envelopes without delivering them.
func (b *Bus) Take() []gossip.Envelope {
	out := b.queue
	b.queue = nil
	return out
}

// Flush delivers queued envelopes, including ones queued by handlers while
// flushing, and returns the number delivered. It stops after limit
// deliveries to guard against message storms.
func (b *Bus) Flush(limit int) int {
	delivered := 0
	for len(b.queue) > 0 && delivered < limit {
		env := b.queue[0]
		b.queue = b.queue[1:]
		if b.Drop != nil && b.Drop(env) {
			continue
		}
		h, ok := b.handlers[env.To.ID]
		if !ok {
			continue
		}
		h(env)
		delivered++
	}
	return delivered
}
