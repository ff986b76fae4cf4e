package gossip

import (
	"cmp"
	"fmt"
)

// View is the ranking value a node publishes to the overlay. A higher Rank
// wins; equal ranks fall back to CompareIDs so that two distinct nodes never
// compare equal.
type View struct {
	Rank   int    `json:"rank"`
	NodeID NodeID `json:"nodeId"`
}

func (v View) String() string { return fmt.Sprintf("%s/%d", v.NodeID, v.Rank) }

// Comparator returns a negative number when a ranks below b, zero when they
// are equal and a positive number when a ranks above b.
type Comparator func(a, b View) int

// CompareViews is the default total order over views.
func CompareViews(a, b View) int {
	if a.Rank != b.Rank {
		return cmp.Compare(a.Rank, b.Rank)
	}
	return CompareIDs(a.NodeID, b.NodeID)
}

// RankedNeighbor is a peer annotated with its last known View.
type RankedNeighbor struct {
	Addr Addr `json:"addr"`
	View View `json:"view"`
}

// Sample is one refresh of the overlay's ranked neighborhood. Each sample
// replaces the previous one wholesale.
type Sample struct {
	Self      View             `json:"self"`
	Neighbors []RankedNeighbor `json:"neighbors"`
	Fingers   []RankedNeighbor `json:"fingers"`
}
