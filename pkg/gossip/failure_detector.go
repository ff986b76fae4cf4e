package gossip

// IndicationKind tells whether a watched node became unreachable or came back.
type IndicationKind uint8

const (
	Suspect IndicationKind = iota + 1
	Restore
)

func (k IndicationKind) String() string {
	switch k {
	case Suspect:
		return "suspect"
	case Restore:
		return "restore"
	default:
		return "unknown"
	}
}

// Indication is emitted by a failure detector on a suspicion transition.
type Indication struct {
	Kind IndicationKind
	Node Addr
}

// MonitorRequest replaces the set of nodes a requester wants watched. The
// detector watches the union over all requesters; an empty Nodes withdraws
// the requester.
type MonitorRequest struct {
	Requester string
	Nodes     AddrSet
}

// LeaderUpdate announces that the local node now trusts Leader.
type LeaderUpdate struct {
	Leader Addr
}

// FailureDetector is what the protocol components need from the monitor.
type FailureDetector interface {
	Request(req MonitorRequest)
}
