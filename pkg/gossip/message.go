package gossip

import "fmt"

// SchemaVersion is stamped on every envelope by the transports.
const SchemaVersion uint16 = 1

type MsgType uint8

const (
	MsgHeartbeatRequest MsgType = iota + 1
	MsgHeartbeatReply
	MsgLeader2PC
	MsgLeaderPull
	MsgLeaderPush
	MsgPing
	MsgPong
	MsgNewsPull
	MsgNewsPush
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeatRequest:
		return "heartbeat_request"
	case MsgHeartbeatReply:
		return "heartbeat_reply"
	case MsgLeader2PC:
		return "leader_2pc"
	case MsgLeaderPull:
		return "leader_pull"
	case MsgLeaderPush:
		return "leader_push"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgNewsPull:
		return "news_pull"
	case MsgNewsPush:
		return "news_push"
	default:
		return fmt.Sprintf("unknown_%d", uint8(t))
	}
}

// Phase is a step of the leader commit handshake.
type Phase string

const (
	PhaseCanCommit   Phase = "canCommit?"
	PhaseYes         Phase = "Yes"
	PhaseNo          Phase = "No"
	PhaseDoCommit    Phase = "doCommit"
	PhaseAbortCommit Phase = "abortCommit"
)

// Envelope is the unit every transport carries. From and To are filled in by
// the sending transport; exactly one payload pointer is set for the message
// types that carry one.
type Envelope struct {
	Type    MsgType `json:"type"`
	From    Addr    `json:"from"`
	To      Addr    `json:"to"`
	Version uint16  `json:"v"`

	Leader2PC  *Leader2PC  `json:"leader2pc,omitempty"`
	LeaderPush *LeaderPush `json:"leaderPush,omitempty"`
	Ping       *Ping       `json:"ping,omitempty"`
	Pong       *Pong       `json:"pong,omitempty"`
	NewsPush   *NewsPush   `json:"newsPush,omitempty"`
}

// Leader2PC carries one phase of an election session. View is set on
// canCommit?, Candidate on doCommit.
type Leader2PC struct {
	Session   int   `json:"session"`
	Phase     Phase `json:"phase"`
	View      *View `json:"view,omitempty"`
	Candidate *Addr `json:"candidate,omitempty"`
}

type LeaderPush struct {
	Leader Addr `json:"leader"`
}

// ItemID names a news item by its origin and per-origin sequence number.
type ItemID struct {
	Origin NodeID `json:"origin"`
	Seq    int    `json:"seq"`
}

func (id ItemID) String() string { return fmt.Sprintf("%s:%d", id.Origin, id.Seq) }

type Ping struct {
	Origin Addr `json:"origin"`
	Seq    int  `json:"seq"`
	TTL    int  `json:"ttl"`
}

func (p Ping) ID() ItemID { return ItemID{Origin: p.Origin.ID, Seq: p.Seq} }

type Pong struct {
	Seq int `json:"seq"`
}

// NewsPush is a full dump of the sender's known items. Items holds the
// ItemID strings; the maps are keyed by the same strings.
type NewsPush struct {
	Items        []string        `json:"items"`
	OriginByItem map[string]Addr `json:"originByItem"`
	SeqByItem    map[string]int  `json:"seqByItem"`
	TTLByItem    map[string]int  `json:"ttlByItem,omitempty"`
}

func NewHeartbeatRequest() Envelope { return Envelope{Type: MsgHeartbeatRequest} }

func NewHeartbeatReply() Envelope { return Envelope{Type: MsgHeartbeatReply} }

func NewLeader2PC(m Leader2PC) Envelope { return Envelope{Type: MsgLeader2PC, Leader2PC: &m} }

func NewLeaderPull() Envelope { return Envelope{Type: MsgLeaderPull} }

func NewLeaderPush(leader Addr) Envelope {
	return Envelope{Type: MsgLeaderPush, LeaderPush: &LeaderPush{Leader: leader}}
}

func NewPing(p Ping) Envelope { return Envelope{Type: MsgPing, Ping: &p} }

func NewPong(seq int) Envelope { return Envelope{Type: MsgPong, Pong: &Pong{Seq: seq}} }

func NewNewsPull() Envelope { return Envelope{Type: MsgNewsPull} }

func NewNewsPush(p NewsPush) Envelope { return Envelope{Type: MsgNewsPush, NewsPush: &p} }

// Validate checks that the payload required by the message type is present.
func (e Envelope) Validate() error {
	if e.From.IsZero() {
		return fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	missing := false
	switch e.Type {
	case MsgHeartbeatRequest, MsgHeartbeatReply, MsgLeaderPull, MsgNewsPull:
	case MsgLeader2PC:
		switch {
		case e.Leader2PC == nil:
			missing = true
		case e.Leader2PC.Phase == PhaseCanCommit && e.Leader2PC.View == nil:
			missing = true
		case e.Leader2PC.Phase == PhaseDoCommit && e.Leader2PC.Candidate == nil:
			missing = true
		}
	case MsgLeaderPush:
		missing = e.LeaderPush == nil || e.LeaderPush.Leader.IsZero()
	case MsgPing:
		missing = e.Ping == nil || e.Ping.Origin.IsZero()
	case MsgPong:
		missing = e.Pong == nil
	case MsgNewsPush:
		missing = e.NewsPush == nil
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(e.Type))
	}
	if missing {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Type)
	}
	return nil
}
