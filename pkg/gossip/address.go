package gossip

import (
	"cmp"
	"sort"
	"strings"
)

// NodeID is the stable identity of a node.
type NodeID string

// CompareIDs orders node ids. Ids made only of ASCII digits compare as
// integers so that "10" sorts after "9" and sort before every other id; the
// rest compare lexicographically.
func CompareIDs(a, b NodeID) int {
	da, db := isDigits(a), isDigits(b)
	if da != db {
		if da {
			return -1
		}
		return 1
	}
	if da {
		ta := strings.TrimLeft(string(a), "0")
		tb := strings.TrimLeft(string(b), "0")
		if len(ta) != len(tb) {
			return cmp.Compare(len(ta), len(tb))
		}
		if c := strings.Compare(ta, tb); c != 0 {
			return c
		}
	}
	return strings.Compare(string(a), string(b))
}

func isDigits(id NodeID) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// Addr identifies a peer and tells transports how to reach it.
type Addr struct {
	ID       NodeID `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (a Addr) IsZero() bool { return a.ID == "" }

func (a Addr) String() string {
	if a.Endpoint == "" {
		return string(a.ID)
	}
	return string(a.ID) + "@" + a.Endpoint
}

// AddrSet is a set of peers keyed by identity. The zero value is usable for
// reads only; use NewAddrSet before adding.
type AddrSet map[NodeID]Addr

func NewAddrSet(addrs ...Addr) AddrSet {
	s := make(AddrSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add inserts a and reports whether it was not already present.
func (s AddrSet) Add(a Addr) bool {
	if _, ok := s[a.ID]; ok {
		s[a.ID] = a
		return false
	}
	s[a.ID] = a
	return true
}

// Remove deletes a and reports whether it was present.
func (s AddrSet) Remove(a Addr) bool {
	if _, ok := s[a.ID]; !ok {
		return false
	}
	delete(s, a.ID)
	return true
}

func (s AddrSet) Has(a Addr) bool {
	_, ok := s[a.ID]
	return ok
}

func (s AddrSet) Len() int { return len(s) }

func (s AddrSet) Clone() AddrSet {
	out := make(AddrSet, len(s))
	for id, a := range s {
		out[id] = a
	}
	return out
}

func (s AddrSet) Union(o AddrSet) AddrSet {
	out := s.Clone()
	for id, a := range o {
		out[id] = a
	}
	return out
}

func (s AddrSet) Intersect(o AddrSet) AddrSet {
	out := make(AddrSet)
	for id, a := range s {
		if _, ok := o[id]; ok {
			out[id] = a
		}
	}
	return out
}

// Minus returns the members of s that are not in o.
func (s AddrSet) Minus(o AddrSet) AddrSet {
	out := make(AddrSet)
	for id, a := range s {
		if _, ok := o[id]; !ok {
			out[id] = a
		}
	}
	return out
}

// Equal compares membership by identity.
func (s AddrSet) Equal(o AddrSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if _, ok := o[id]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the members ordered by id, giving handlers a deterministic
// iteration order.
func (s AddrSet) Sorted() []Addr {
	out := make([]Addr, 0, len(s))
	for _, a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

// IDs returns the sorted member ids as strings, handy for logs and /info.
func (s AddrSet) IDs() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, a := range sorted {
		out[i] = string(a.ID)
	}
	return out
}
