// Package ring places peers on a consistent hash ring. The overlay uses it to
// give every node a stable, well spread set of successors.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32                      // sorted
	owners   map[uint32]gossip.NodeID      // point -> node
	nodes    map[gossip.NodeID]gossip.Addr // node -> address
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]gossip.NodeID),
		nodes:    make(map[gossip.NodeID]gossip.Addr),
	}
}

// Add places a on the ring. Re-adding a known id only refreshes its
// endpoint.
func (r *HashRing) Add(a gossip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[a.ID]; ok {
		r.nodes[a.ID] = a
		return
	}
	r.nodes[a.ID] = a
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(a.ID, i))
		r.owners[pt] = a.ID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Remove(id gossip.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	r.rebuild()
}

// Clear removes every node.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	r.rebuild()
}

func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Successors returns up to n nodes following id on the ring, never id
// itself. id does not have to be on the ring.
func (r *HashRing) Successors(id gossip.NodeID, n int) []gossip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.walk(r.hash(pointKey(id, 0)), n, id)
	out := make([]gossip.Addr, len(ids))
	for i, s := range ids {
		out[i] = r.nodes[s]
	}
	return out
}

func (r *HashRing) walk(h uint32, n int, skip gossip.NodeID) []gossip.NodeID {
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(h)
	seen := make(map[gossip.NodeID]struct{}, n)
	out := make([]gossip.NodeID, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if id == skip {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search finds the first point >= h, wrapping to 0.
func (r *HashRing) search(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(id gossip.NodeID) (gossip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[id]
	return a, ok
}

// Nodes returns a copy of the id to address map.
func (r *HashRing) Nodes() map[gossip.NodeID]gossip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[gossip.NodeID]gossip.Addr, len(r.nodes))
	for id, a := range r.nodes {
		out[id] = a
	}
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id gossip.NodeID, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
