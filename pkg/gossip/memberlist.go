package gossip

// HighestRanked returns the candidate with the greatest View among those not
// in exclude. ok is false when every candidate is excluded.
func HighestRanked(compare Comparator, candidates []RankedNeighbor, exclude AddrSet) (best RankedNeighbor, ok bool) {
	if compare == nil {
		compare = CompareViews
	}
	for _, c := range candidates {
		if exclude.Has(c.Addr) {
			continue
		}
		if !ok || compare(c.View, best.View) > 0 {
			best, ok = c, true
		}
	}
	return best, ok
}

// AddressSet collects the addresses of a ranked list.
func AddressSet(list []RankedNeighbor) AddrSet {
	s := make(AddrSet, len(list))
	for _, n := range list {
		s.Add(n.Addr)
	}
	return s
}

// Merge concatenates primary and secondary, dropping entries of secondary
// whose id already appears earlier.
func Merge(primary, secondary []RankedNeighbor) []RankedNeighbor {
	seen := make(map[NodeID]struct{}, len(primary)+len(secondary))
	out := make([]RankedNeighbor, 0, len(primary)+len(secondary))
	for _, list := range [][]RankedNeighbor{primary, secondary} {
		for _, n := range list {
			if _, dup := seen[n.Addr.ID]; dup {
				continue
			}
			seen[n.Addr.ID] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Without returns list minus any entry for id, without modifying list.
func Without(list []RankedNeighbor, id NodeID) []RankedNeighbor {
	out := make([]RankedNeighbor, 0, len(list))
	for _, n := range list {
		if n.Addr.ID != id {
			out = append(out, n)
		}
	}
	return out
}
