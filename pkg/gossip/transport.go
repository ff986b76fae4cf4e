package gossip

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	ErrUnknownPeer = errors.New("gossip: unknown peer")
	ErrClosed      = errors.New("gossip: transport closed")
	ErrInboxFull   = errors.New("gossip: inbox full")
	ErrMalformed   = errors.New("gossip: malformed envelope")
)

// Sender delivers one envelope, best effort. Implementations stamp From, To
// and Version before delivery.
type Sender interface {
	Send(to Addr, env Envelope) error
}

// Transport is a Sender bound to a local address with an inbound stream.
type Transport interface {
	Sender
	Self() Addr
	Inbox() <-chan Envelope
	Close() error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(to Addr, env Envelope) error

func (f SenderFunc) Send(to Addr, env Envelope) error { return f(to, env) }

// Broadcast sends env to every member of targets in id order and returns the
// combined delivery errors.
func Broadcast(s Sender, targets AddrSet, env Envelope) error {
	var err error
	for _, to := range targets.Sorted() {
		if sendErr := s.Send(to, env); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("send %s to %s: %w", env.Type, to.ID, sendErr))
		}
	}
	return err
}
