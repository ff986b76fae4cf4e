package registry

import (
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func event(t mvccpb.Event_EventType, key, value string) *clientv3.Event {
	return &clientv3.Event{Type: t, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}}
}

func TestApplyPeerEvents(t *testing.T) {
	peers := map[string]string{"1": "n1:8080"}

	changed := applyPeerEvents(peers, []*clientv3.Event{
		event(mvccpb.PUT, NodesPrefix+"2", "n2:8080"),
		event(mvccpb.PUT, NodesPrefix+"1", "n1:8080"),
	})
	if !changed || len(peers) != 2 || peers["2"] != "n2:8080" {
		t.Fatalf("after put: changed=%v peers=%v", changed, peers)
	}

	if applyPeerEvents(peers, []*clientv3.Event{event(mvccpb.PUT, NodesPrefix+"1", "n1:8080")}) {
		t.Fatalf("identical put reported as change")
	}

	changed = applyPeerEvents(peers, []*clientv3.Event{event(mvccpb.DELETE, NodesPrefix+"1", "")})
	if !changed || len(peers) != 1 {
		t.Fatalf("after delete: changed=%v peers=%v", changed, peers)
	}
}

func TestDecodeView(t *testing.T) {
	v, err := decodeView(&mvccpb.KeyValue{Key: []byte(ViewsPrefix + "7"), Value: []byte(`{"rank":12}`)})
	if err != nil {
		t.Fatalf("decodeView: %v", err)
	}
	if v.Rank != 12 || v.NodeID != "7" {
		t.Fatalf("view = %+v, want rank 12 for node 7", v)
	}
	if _, err := decodeView(&mvccpb.KeyValue{Key: []byte(ViewsPrefix + "7"), Value: []byte("nope")}); err == nil {
		t.Fatalf("expected error for garbage value")
	}
}

func TestKeys(t *testing.T) {
	if got := nodeKey("3"); got != "/zephyr/nodes/3" {
		t.Fatalf("nodeKey = %q", got)
	}
	if got := viewKey("3"); got != "/zephyr/views/3" {
		t.Fatalf("viewKey = %q", got)
	}
}
