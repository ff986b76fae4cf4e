// Package registry keeps node membership and published views in etcd.
// Nodes register their endpoint under a lease so that a dead process drops
// out on its own; views are stored next to them as JSON.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

const (
	NodesPrefix = "/zephyr/nodes/"
	ViewsPrefix = "/zephyr/views/"

	dialTimeout = 5 * time.Second
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func nodeKey(id string) string { return NodesPrefix + id }

func viewKey(id gossip.NodeID) string { return ViewsPrefix + string(id) }

// RegisterNode stores addr under id with a ttl-second lease and keeps the
// lease alive until the returned cancel func is called or ctx is done.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, nodeKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ka, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ka {
			// drain responses so the client does not log a full channel
		}
		if log != nil && kaCtx.Err() == nil {
			log.Warn("registry lease keepalive stopped", zap.String("node", id))
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers lists registered nodes as id -> endpoint.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, NodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), NodesPrefix)] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers calls fn with the full peer map once at start and again after
// every membership change, until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(map[string]string)) error {
	peers, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(copyPeers(peers))

	wch := cli.Watch(ctx, NodesPrefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch peers: %w", err)
		}
		if applyPeerEvents(peers, resp.Events) {
			fn(copyPeers(peers))
		}
	}
	return ctx.Err()
}

// applyPeerEvents folds watch events into peers and reports whether anything
// changed.
func applyPeerEvents(peers map[string]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), NodesPrefix)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PublishView stores v, attached to lease so it disappears with the node.
func PublishView(ctx context.Context, cli *clientv3.Client, v gossip.View, lease clientv3.LeaseID) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	var opts []clientv3.OpOption
	if lease != 0 {
		opts = append(opts, clientv3.WithLease(lease))
	}
	if _, err := cli.Put(ctx, viewKey(v.NodeID), string(data), opts...); err != nil {
		return fmt.Errorf("publish view: %w", err)
	}
	return nil
}

func GetViews(ctx context.Context, cli *clientv3.Client) ([]gossip.View, error) {
	resp, err := cli.Get(ctx, ViewsPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	views := make([]gossip.View, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		v, err := decodeView(kv)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// WatchViews calls fn for every stored view and then for every update until
// ctx is done. Deleted views are not reported.
func WatchViews(ctx context.Context, cli *clientv3.Client, fn func(gossip.View)) error {
	views, err := GetViews(ctx, cli)
	if err != nil {
		return err
	}
	for _, v := range views {
		fn(v)
	}
	wch := cli.Watch(ctx, ViewsPrefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch views: %w", err)
		}
		for _, ev := range resp.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			if v, err := decodeView(ev.Kv); err == nil {
				fn(v)
			}
		}
	}
	return ctx.Err()
}

func decodeView(kv *mvccpb.KeyValue) (gossip.View, error) {
	var v gossip.View
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return gossip.View{}, fmt.Errorf("decode view %s: %w", kv.Key, err)
	}
	if v.NodeID == "" {
		v.NodeID = gossip.NodeID(strings.TrimPrefix(string(kv.Key), ViewsPrefix))
	}
	return v, nil
}
