package news

import (
	"container/list"
	"sync"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

// Item is a news item as known locally.
type Item struct {
	ID     gossip.ItemID
	Origin gossip.Addr
	TTL    int
}

// Items is the append-only set of known news items, kept in the order they
// were first observed.
type Items struct {
	mu   sync.RWMutex
	data map[gossip.ItemID]*list.Element
	ll   *list.List
}

func NewItems() *Items {
	return &Items{
		data: make(map[gossip.ItemID]*list.Element),
		ll:   list.New(),
	}
}

// Add records it and reports whether it was new. Known items are never
// overwritten.
func (s *Items) Add(it Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[it.ID]; ok {
		return false
	}
	s.data[it.ID] = s.ll.PushBack(it)
	return true
}

func (s *Items) Get(id gossip.ItemID) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if el, ok := s.data[id]; ok {
		return el.Value.(Item), true
	}
	return Item{}, false
}

func (s *Items) Has(id gossip.ItemID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok
}

func (s *Items) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// All returns the items oldest first.
func (s *Items) All() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, s.ll.Len())
	for el := s.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Item))
	}
	return out
}

// Push encodes every known item as a NewsPush payload.
func (s *Items) Push() gossip.NewsPush {
	all := s.All()
	p := gossip.NewsPush{
		Items:        make([]string, 0, len(all)),
		OriginByItem: make(map[string]gossip.Addr, len(all)),
		SeqByItem:    make(map[string]int, len(all)),
		TTLByItem:    make(map[string]int, len(all)),
	}
	for _, it := range all {
		key := it.ID.String()
		p.Items = append(p.Items, key)
		p.OriginByItem[key] = it.Origin
		p.SeqByItem[key] = it.ID.Seq
		p.TTLByItem[key] = it.TTL
	}
	return p
}

// FromPush decodes the items of p, skipping entries without origin or
// sequence number.
func FromPush(p gossip.NewsPush) []Item {
	out := make([]Item, 0, len(p.Items))
	for _, key := range p.Items {
		origin, ok := p.OriginByItem[key]
		if !ok || origin.IsZero() {
			continue
		}
		seq, ok := p.SeqByItem[key]
		if !ok {
			continue
		}
		out = append(out, Item{
			ID:     gossip.ItemID{Origin: origin.ID, Seq: seq},
			Origin: origin,
			TTL:    p.TTLByItem[key],
		})
	}
	return out
}
